package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rerobots/hardshare/pkg/types"
)

var bucketInstances = []byte("instances")

// InstanceRecord is what survives a daemon restart about an instance: just
// enough to decide which resources a crashed run left behind. The config
// file remains the single source of WD truth.
//
// ReachedReady is sticky: once an instance is confirmed READY its
// container is considered handed over to a remote user and must survive a
// daemon restart; only instances that never got that far are swept.
type InstanceRecord struct {
	ID            string              `json:"id"`
	WDID          string              `json:"wdid"`
	ContainerName string              `json:"container_name"`
	State         types.InstanceState `json:"state"`
	ReachedReady  bool                `json:"reached_ready"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Journal is a bbolt-backed log of instance lifecycle checkpoints.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) journal.db under dataDir.
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "journal.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Checkpoint upserts the instance record at a durable transition,
// preserving the sticky ReachedReady bit from earlier checkpoints.
func (j *Journal) Checkpoint(inst *types.Instance) error {
	rec := InstanceRecord{
		ID:            inst.ID,
		WDID:          inst.WDID,
		ContainerName: inst.ContainerName,
		State:         inst.State,
		ReachedReady:  inst.State == types.StateReady,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     time.Now(),
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if prev := b.Get([]byte(rec.ID)); prev != nil {
			var old InstanceRecord
			if err := json.Unmarshal(prev, &old); err == nil && old.ReachedReady {
				rec.ReachedReady = true
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// Forget removes the record once the instance's resources are confirmed
// gone.
func (j *Journal) Forget(instanceID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(instanceID))
	})
}

// Unreaped lists records of instances that were never confirmed READY and
// never finished terminating. After a restart these are lost
// mid-initialization instances whose containers must be removed. Instances
// that did reach READY are not returned: their containers survive the
// restart.
func (j *Journal) Unreaped() ([]InstanceRecord, error) {
	var out []InstanceRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var rec InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.ReachedReady && rec.State != types.StateTerminated {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// ConfirmedContainers returns the container names of instances that
// reached READY and have not terminated. The restart sweep must leave
// these alone.
func (j *Journal) ConfirmedContainers() (map[string]bool, error) {
	out := make(map[string]bool)
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var rec InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ReachedReady && rec.State != types.StateTerminated && rec.ContainerName != "" {
				out[rec.ContainerName] = true
			}
			return nil
		})
	})
	return out, err
}

// Get returns one record, or nil when absent.
func (j *Journal) Get(instanceID string) (*InstanceRecord, error) {
	var rec *InstanceRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(instanceID))
		if data == nil {
			return nil
		}
		var r InstanceRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}
