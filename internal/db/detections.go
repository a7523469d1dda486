package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rd03d.relay/internal/classify"
	"github.com/banshee-data/rd03d.relay/internal/rd03d"
	"github.com/banshee-data/rd03d.relay/internal/relay"
)

var ErrUnknownSession = errors.New("unknown session")

// Session is one run of the relay against one radar source.
type Session struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// DetectionRecord is a stored published detection.
type DetectionRecord struct {
	ID            int64               `json:"detection_id"`
	SessionID     string              `json:"session_id"`
	RecordedAt    time.Time           `json:"recorded_at"`
	Target        rd03d.Target        `json:"target"`
	Type          classify.ObjectType `json:"object_type"`
	Confidence    float64             `json:"confidence"`
	SignalQuality float32             `json:"signal_quality_db"`
	Packet        []byte              `json:"packet"`
}

// StartSession registers a new session for source and returns it.
func (db *DB) StartSession(source, version string, now time.Time) (Session, error) {
	s := Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		Source:    source,
		Version:   version,
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, source, version) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Source, s.Version,
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(
		`SELECT session_id, started_at, source, version FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
		)
		if err := rows.Scan(&s.ID, &started, &s.Source, &s.Version); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordDetection stores a published detection under sessionID.
func (db *DB) RecordDetection(sessionID string, d relay.Detection) (int64, error) {
	packet, err := d.Packet.MarshalBinary()
	if err != nil {
		return 0, err
	}
	t := d.Target
	res, err := db.Exec(
		`INSERT INTO detections (
			session_id, recorded_at, slot, x_mm, y_mm, range_mm, speed_cms, gate_mm,
			object_type, confidence, signal_quality, packet
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, d.Time.UnixNano(), t.Slot, t.XMM, t.YMM, int64(t.RangeMM), t.SpeedCMS, int64(t.GateMM),
		int(d.Result.Type), d.Result.Confidence, d.Packet.SignalQuality, packet,
	)
	if err != nil {
		// with foreign_keys on, an unregistered session fails the insert
		var n int
		if qerr := db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&n); qerr == nil && n == 0 {
			return 0, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return 0, fmt.Errorf("failed to record detection: %w", err)
	}
	return res.LastInsertId()
}

// RecentDetections returns up to limit detections, newest first. An empty
// sessionID matches every session.
func (db *DB) RecentDetections(sessionID string, limit int) ([]DetectionRecord, error) {
	rows, err := db.Query(
		`SELECT detection_id, session_id, recorded_at, slot, x_mm, y_mm, range_mm, speed_cms, gate_mm,
			object_type, confidence, signal_quality, packet
		FROM detections
		WHERE ? = '' OR session_id = ?
		ORDER BY recorded_at DESC, detection_id DESC
		LIMIT ?`,
		sessionID, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var (
			r               DetectionRecord
			recorded        int64
			rangeMM, gateMM int64
			objectType      int
			signalQuality   float64
		)
		if err := rows.Scan(
			&r.ID, &r.SessionID, &recorded,
			&r.Target.Slot, &r.Target.XMM, &r.Target.YMM, &rangeMM, &r.Target.SpeedCMS, &gateMM,
			&objectType, &r.Confidence, &signalQuality, &r.Packet,
		); err != nil {
			return nil, err
		}
		r.RecordedAt = time.Unix(0, recorded)
		r.Target.RangeMM = uint(rangeMM)
		r.Target.GateMM = uint(gateMM)
		r.Type = classify.ObjectType(objectType)
		r.SignalQuality = float32(signalQuality)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDetections returns the number of stored detections for sessionID, or
// for every session when sessionID is empty.
func (db *DB) CountDetections(sessionID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM detections WHERE ? = '' OR session_id = ?`, sessionID, sessionID).Scan(&n)
	return n, err
}
