// Package pgprobe issues the small set of read-only queries the
// Primary Finder and health checker need against each backend, per
// SPEC_FULL.md §4.10. It wraps github.com/jackc/pgx/v5 rather than
// database/sql so callers get typed errors and can distinguish "the
// server refused the connection" from "the server answered with
// something we didn't understand."
package pgprobe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// ErrorClass distinguishes backends that are merely unreachable from
// ones that answered but with something the protocol layer choked on,
// matching the INFO/WARNING split in SPEC_FULL.md §7.
type ErrorClass int

const (
	// ClassUnreachable covers connection refused, timeout, DNS
	// failure: the kind of failure retried silently at INFO level.
	ClassUnreachable ErrorClass = iota
	// ClassProtocol covers a backend that accepted the TCP connection
	// but returned something the probe couldn't parse or a query the
	// server rejected: logged at WARNING, not retried in the same pass.
	ClassProtocol
)

// ProbeError wraps a probe failure with its classification.
type ProbeError struct {
	Class ErrorClass
	Err   error
}

func (e *ProbeError) Error() string { return e.Err.Error() }
func (e *ProbeError) Unwrap() error { return e.Err }

func classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ProbeError{Class: class, Err: err}
}

// Result is the outcome of probing a single backend.
type Result struct {
	InRecovery  bool
	PGVersion   sharedstate.PGVersion
	WALReceiver *WALReceiverStatus
}

// WALReceiverStatus mirrors the columns pg_stat_wal_receiver exposes
// that the Primary Finder needs to confirm a standby is actually
// streaming from the node it claims to.
type WALReceiverStatus struct {
	Status     string
	SenderHost string
	SenderPort int
}

// DialTimeout bounds how long Probe waits to establish a connection
// before classifying the backend unreachable.
const DialTimeout = 5 * time.Second

// Probe connects to host:port, runs pg_is_in_recovery(), reads the
// server version, and — for servers reporting PostgreSQL 9.6 or
// newer — reads pg_stat_wal_receiver, per SPEC_FULL.md §4.10.
func Probe(ctx context.Context, host string, port int, database, user, password string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	connStr := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s connect_timeout=5 sslmode=prefer",
		host, port, database, user, password)

	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return Result{}, classify(ClassUnreachable, fmt.Errorf("connect %s:%d: %w", host, port, err))
	}
	defer conn.Close(context.Background())

	var res Result

	if err := conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&res.InRecovery); err != nil {
		return Result{}, classify(ClassProtocol, fmt.Errorf("pg_is_in_recovery: %w", err))
	}

	var versionNum int
	if err := conn.QueryRow(ctx, "SHOW server_version_num").Scan(&versionNum); err != nil {
		return Result{}, classify(ClassProtocol, fmt.Errorf("server_version_num: %w", err))
	}
	res.PGVersion = versionFromNum(versionNum)

	if res.PGVersion.AtLeast(9, 6) {
		wal, err := queryWALReceiver(ctx, conn)
		if err != nil {
			var pe *ProbeError
			if errors.As(err, &pe) && pe.Class == ClassProtocol {
				return Result{}, err
			}
		}
		res.WALReceiver = wal
	}

	return res, nil
}

func queryWALReceiver(ctx context.Context, conn *pgx.Conn) (*WALReceiverStatus, error) {
	rows, err := conn.Query(ctx, "SELECT status, sender_host, sender_port FROM pg_stat_wal_receiver")
	if err != nil {
		return nil, classify(ClassProtocol, fmt.Errorf("pg_stat_wal_receiver: %w", err))
	}
	defer rows.Close()

	if !rows.Next() {
		// No row means no WAL receiver is running: not an error, just
		// "this node isn't streaming from anywhere right now."
		return nil, nil
	}

	var st WALReceiverStatus
	if err := rows.Scan(&st.Status, &st.SenderHost, &st.SenderPort); err != nil {
		return nil, classify(ClassProtocol, fmt.Errorf("scan pg_stat_wal_receiver: %w", err))
	}
	return &st, rows.Err()
}

// versionFromNum decodes PostgreSQL's server_version_num integer
// encoding (e.g. 150004 -> 15.0.4, 90616 -> 9.6.16).
func versionFromNum(n int) sharedstate.PGVersion {
	if n >= 100000 {
		return sharedstate.PGVersion{Major: n / 10000, Minor: 0, Patch: n % 100}
	}
	return sharedstate.PGVersion{Major: n / 10000, Minor: (n / 100) % 100, Patch: n % 100}
}
