package schedule

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/golang/glog"

	"github.com/zeebo/blake3"

	"github.com/openfleet/traffic/protocol"
)

// Participant Registry: the durable mapping of (owner, name) to
// participant id with the last observed itinerary and route watermarks,
// so a crashed-and-restarted participant resumes its versioned stream
// under the same id.
//
// The log is append-only: each record is framed as a 4-byte big-endian
// payload length, a 32-byte BLAKE3 checksum of the payload, and the
// CBOR payload. Every append is fsynced before the registration
// returns. On replay, a frame that runs past the end of the file is an
// uncommitted torn tail and is discarded; a complete frame whose
// checksum does not match is corruption and is fatal.

const registryChecksumSize = 32

type registryKey struct {
	owner string
	name  string
}

type registryRecord struct {
	Owner                string                          `cbor:"owner"`
	Name                 string                          `cbor:"name"`
	Id                   ParticipantId                   `cbor:"id"`
	Description          protocol.ParticipantDescription `cbor:"description"`
	LastItineraryVersion ItineraryVersion                `cbor:"last_itinerary_version"`
	LastRouteId          RouteId                         `cbor:"last_route_id"`
}

type Registration struct {
	Id                   ParticipantId
	LastItineraryVersion ItineraryVersion
	LastRouteId          RouteId
}

type ParticipantRegistry struct {
	database *Database

	mutex   sync.Mutex
	logFile *os.File
	entries map[registryKey]*registryRecord
	nextId  ParticipantId
}

// OpenParticipantRegistry replays the log at path (creating it if
// absent) and re-registers every recorded participant into the
// database. A corrupt log returns ErrRegistryCorrupt; the caller treats
// that as fatal at startup.
func OpenParticipantRegistry(path string, database *Database) (*ParticipantRegistry, error) {
	logFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open participant registry %s: %w", path, err)
	}

	registry := &ParticipantRegistry{
		database: database,
		logFile:  logFile,
		entries:  map[registryKey]*registryRecord{},
	}

	committed, err := registry.replay()
	if err != nil {
		logFile.Close()
		return nil, err
	}

	// drop any uncommitted torn tail so the next append starts on a
	// record boundary
	if err := logFile.Truncate(committed); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("truncate participant registry tail: %w", err)
	}
	if _, err := logFile.Seek(committed, io.SeekStart); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("seek participant registry: %w", err)
	}

	for _, record := range registry.entries {
		database.Register(
			protocol.ParticipantInfo{
				Id:          record.Id,
				Description: record.Description,
			},
			record.LastItineraryVersion,
			record.LastRouteId,
		)
	}

	glog.Infof("[registry]loaded %d participants from %s\n", len(registry.entries), path)
	return registry, nil
}

// replay reads records until EOF or a torn tail, returning the offset
// of the last committed record.
func (self *ParticipantRegistry) replay() (int64, error) {
	committed := int64(0)
	header := make([]byte, 4+registryChecksumSize)
	for {
		n, err := io.ReadFull(self.logFile, header)
		if err == io.EOF {
			return committed, nil
		}
		if err == io.ErrUnexpectedEOF {
			glog.Warningf("[registry]ignoring torn tail (%d bytes)\n", n)
			return committed, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read participant registry: %w", err)
		}

		length := binary.BigEndian.Uint32(header[0:4])
		payload := make([]byte, length)
		if _, err := io.ReadFull(self.logFile, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				glog.Warningf("[registry]ignoring torn record of %d bytes\n", length)
				return committed, nil
			}
			return 0, fmt.Errorf("read participant registry: %w", err)
		}

		sum := blake3.Sum256(payload)
		if sum != [registryChecksumSize]byte(header[4:]) {
			return 0, fmt.Errorf("record checksum mismatch at offset %d: %w",
				committed, ErrRegistryCorrupt)
		}

		var record registryRecord
		if err := protocol.Unmarshal(payload, &record); err != nil {
			return 0, fmt.Errorf("record decode at offset %d: %v: %w",
				committed, err, ErrRegistryCorrupt)
		}
		self.apply(&record)

		committed += int64(len(header)) + int64(length)
	}
}

func (self *ParticipantRegistry) apply(record *registryRecord) {
	key := registryKey{owner: record.Owner, name: record.Name}
	self.entries[key] = record
	if self.nextId <= record.Id {
		self.nextId = record.Id + 1
	}
}

// AddOrRetrieve registers a new participant or, when (owner, name) is
// already known, returns the existing id and overwrites the stored
// description. The registration carries the participant's watermarks so
// its versioned stream resumes where it left off.
func (self *ParticipantRegistry) AddOrRetrieve(description protocol.ParticipantDescription) (Registration, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := registryKey{owner: description.Owner, name: description.Name}

	record, ok := self.entries[key]
	if ok {
		record.Description = description
		// prefer the live watermarks when the participant is currently
		// registered in the database
		if v, err := self.database.ItineraryVersion(record.Id); err == nil {
			record.LastItineraryVersion = v
		}
		if r, err := self.database.LastRouteId(record.Id); err == nil {
			record.LastRouteId = r
		}
	} else {
		record = &registryRecord{
			Owner:       description.Owner,
			Name:        description.Name,
			Id:          self.nextId,
			Description: description,
		}
		self.nextId += 1
		self.entries[key] = record
	}

	if err := self.appendRecord(record); err != nil {
		return Registration{}, fmt.Errorf("append participant record: %v: %w",
			err, ErrRegistryUnavailable)
	}

	self.database.Register(
		protocol.ParticipantInfo{
			Id:          record.Id,
			Description: description,
		},
		record.LastItineraryVersion,
		record.LastRouteId,
	)

	return Registration{
		Id:                   record.Id,
		LastItineraryVersion: record.LastItineraryVersion,
		LastRouteId:          record.LastRouteId,
	}, nil
}

// RecordWatermarks persists the participant's current watermarks. The
// node calls this when a participant retires so a later re-registration
// resumes from the right versions even across a restart.
func (self *ParticipantRegistry) RecordWatermarks(participantId ParticipantId) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, record := range self.entries {
		if record.Id != participantId {
			continue
		}
		if v, err := self.database.ItineraryVersion(participantId); err == nil {
			record.LastItineraryVersion = v
		}
		if r, err := self.database.LastRouteId(participantId); err == nil {
			record.LastRouteId = r
		}
		if err := self.appendRecord(record); err != nil {
			return fmt.Errorf("append watermark record: %v: %w", err, ErrRegistryUnavailable)
		}
		return nil
	}
	return fmt.Errorf("watermarks for [%d]: %w", participantId, ErrUnknownParticipant)
}

func (self *ParticipantRegistry) appendRecord(record *registryRecord) error {
	if self.logFile == nil {
		return errors.New("registry closed")
	}
	payload, err := protocol.Marshal(record)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+registryChecksumSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	sum := blake3.Sum256(payload)
	copy(frame[4:4+registryChecksumSize], sum[:])
	copy(frame[4+registryChecksumSize:], payload)

	if _, err := self.logFile.Write(frame); err != nil {
		return err
	}
	return self.logFile.Sync()
}

func (self *ParticipantRegistry) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.logFile == nil {
		return nil
	}
	err := self.logFile.Close()
	self.logFile = nil
	return err
}
