package hostenv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.etcd.io/bbolt"

	"github.com/npiesco/absurder/internal/absurderr"
)

const op = "hostenv"

var (
	leaderBucket    = []byte("leader")
	heartbeatBucket = []byte("heartbeat")
)

// Networked is a Host backed by go.etcd.io/bbolt for the shared
// leader/heartbeat slots and an embedded nats-server + nats.go client for
// the broadcast channel, so separate OS processes can stand in for
// separate browser tabs sharing one origin (spec.md §4.8).
type Networked struct {
	db   *bbolt.DB
	ns   *server.Server
	nc   *nats.Conn
	log  *slog.Logger
}

// NetworkedOptions configures an embedded Networked host.
type NetworkedOptions struct {
	BoltPath string
	NATSPort int // passed to nats-server: 0 means its default port (4222), -1 a random free port
	Logger   *slog.Logger
}

// NewNetworked opens the bbolt slot store and starts an embedded NATS
// server for broadcast, matching the way the teacher's event bus layers
// nats.go over an embeddable broker for single-binary deployability.
func NewNetworked(opts NetworkedOptions) (*Networked, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(opts.BoltPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, absurderr.New(op, absurderr.CodeIo, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(leaderBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(heartbeatBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, absurderr.New(op, absurderr.CodeIo, err)
	}

	ns, err := server.NewServer(&server.Options{
		Port:      opts.NATSPort,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	})
	if err != nil {
		_ = db.Close()
		return nil, absurderr.New(op, absurderr.CodeInternal, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		_ = db.Close()
		return nil, absurderr.New(op, absurderr.CodeTimeout, fmt.Errorf("nats server did not become ready"))
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		_ = db.Close()
		return nil, absurderr.New(op, absurderr.CodeInternal, err)
	}

	return &Networked{db: db, ns: ns, nc: nc, log: logger}, nil
}

func subject(db string) string {
	return fmt.Sprintf("absurder_sql_%s_changes", db)
}

func (h *Networked) Now() time.Time { return time.Now() }

func (h *Networked) GetLeader(_ context.Context, db string) (LeaderInfo, bool, error) {
	var info LeaderInfo
	var found bool
	err := h.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(leaderBucket).Get([]byte(db))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &info)
	})
	if err != nil {
		return LeaderInfo{}, false, absurderr.New(op, absurderr.CodeIo, err)
	}
	return info, found, nil
}

func (h *Networked) ClaimLeader(_ context.Context, db string, info LeaderInfo, staleAfter time.Duration) (bool, error) {
	claimed := false
	err := h.db.Update(func(tx *bbolt.Tx) error {
		lb := tx.Bucket(leaderBucket)
		hb := tx.Bucket(heartbeatBucket)

		if v := lb.Get([]byte(db)); v != nil {
			var current LeaderInfo
			if err := json.Unmarshal(v, &current); err != nil {
				return err
			}
			lastBeat := readHeartbeat(hb, db, current.InstanceID)
			if time.Since(lastBeat) < staleAfter {
				return nil // not stale: lost the race, not an error
			}
		}

		encoded, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if err := lb.Put([]byte(db), encoded); err != nil {
			return err
		}
		if err := writeHeartbeat(hb, db, info.InstanceID, time.Now()); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, absurderr.New(op, absurderr.CodeIo, err)
	}
	return claimed, nil
}

func (h *Networked) ReleaseLeader(_ context.Context, db, instanceID string) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		lb := tx.Bucket(leaderBucket)
		v := lb.Get([]byte(db))
		if v == nil {
			return nil
		}
		var current LeaderInfo
		if err := json.Unmarshal(v, &current); err != nil {
			return err
		}
		if current.InstanceID != instanceID {
			return nil
		}
		return lb.Delete([]byte(db))
	})
	if err != nil {
		return absurderr.New(op, absurderr.CodeIo, err)
	}
	return nil
}

func (h *Networked) Heartbeat(_ context.Context, db, instanceID string, at time.Time) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		return writeHeartbeat(tx.Bucket(heartbeatBucket), db, instanceID, at)
	})
	if err != nil {
		return absurderr.New(op, absurderr.CodeIo, err)
	}
	return nil
}

func heartbeatKey(db, instanceID string) []byte {
	return []byte(db + "\x00" + instanceID)
}

func readHeartbeat(hb *bbolt.Bucket, db, instanceID string) time.Time {
	v := hb.Get(heartbeatKey(db, instanceID))
	if v == nil {
		return time.Time{}
	}
	var t time.Time
	_ = t.UnmarshalBinary(v)
	return t
}

func writeHeartbeat(hb *bbolt.Bucket, db, instanceID string, at time.Time) error {
	v, err := at.MarshalBinary()
	if err != nil {
		return err
	}
	return hb.Put(heartbeatKey(db, instanceID), v)
}

type natsSub struct {
	ch  chan Message
	sub *nats.Subscription
}

func (s *natsSub) C() <-chan Message { return s.ch }

func (s *natsSub) Close() error {
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}

func (h *Networked) Subscribe(_ context.Context, db string) (Subscription, error) {
	ch := make(chan Message, 64)
	sub, err := h.nc.Subscribe(subject(db), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			h.log.Warn("hostenv: dropping malformed broadcast message", "db", db, "error", err)
			return
		}
		select {
		case ch <- msg:
		default:
			h.log.Warn("hostenv: subscriber channel full, dropping message", "db", db)
		}
	})
	if err != nil {
		return nil, absurderr.New(op, absurderr.CodeInternal, err)
	}
	return &natsSub{ch: ch, sub: sub}, nil
}

func (h *Networked) Publish(_ context.Context, db string, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return absurderr.New(op, absurderr.CodeInternal, err)
	}
	if err := h.nc.Publish(subject(db), encoded); err != nil {
		return absurderr.New(op, absurderr.CodeInternal, err)
	}
	return nil
}

func (h *Networked) Close() error {
	h.nc.Close()
	h.ns.Shutdown()
	return h.db.Close()
}
