// Package pgwire is the PostgreSQL wire-protocol surface: a v3 handshake
// and simple-query server built on pgproto3's message codec, delegating
// every statement to internal/protoadapter/sqlengine. Only wire framing
// and error-code mapping live here.
package pgwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/moclojer/chrondb-sub001/internal/chrondb"
	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/protoadapter/sqlengine"
)

const textOID = 25

// Server accepts Postgres v3 connections and answers simple queries.
type Server struct {
	db            *chrondb.DB
	engine        *sqlengine.Engine
	log           *slog.Logger
	defaultBranch string
}

// New builds a Server over an already-open DB. defaultBranch is the branch
// the SQL schema "public" resolves to (defaults to "main" when empty).
func New(db *chrondb.DB, defaultBranch string) *Server {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Server{
		db:            db,
		engine:        sqlengine.New(db),
		log:           slog.Default().With(slog.String("protocol", "pgwire")),
		defaultBranch: defaultBranch,
	}
}

// ListenAndServe accepts connections on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pgwire: listen: %w", err)
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve accepts connections from an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	backend := pgproto3.NewBackend(conn, conn)

	sess, err := s.handshake(conn, backend)
	if err != nil {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			s.handleQuery(backend, sess, m.String)
		case *pgproto3.Terminate:
			return
		case *pgproto3.Sync:
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		default:
			// extended-protocol messages are not supported; simple
			// query protocol only
			backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  fmt.Sprintf("unsupported message type %T", msg),
			})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		}
		if err := backend.Flush(); err != nil {
			return
		}
	}
}

// handshake runs the startup sequence: deny SSL/GSS upgrades, accept the
// startup message, and bind the session's branch from the requested
// database name ("public" and "" both mean the default branch).
func (s *Server) handshake(conn net.Conn, backend *pgproto3.Backend) (*sqlengine.Session, error) {
	for {
		startup, err := backend.ReceiveStartupMessage()
		if err != nil {
			return nil, err
		}

		switch m := startup.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte("N")); err != nil {
				return nil, err
			}

		case *pgproto3.StartupMessage:
			sess := sqlengine.NewSession(s.defaultBranch)
			if db := m.Parameters["database"]; db != "" && db != "public" {
				sess.Branch = db
			}

			backend.Send(&pgproto3.AuthenticationOk{})
			backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0 (chrondb)"})
			backend.Send(&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"})
			backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
			backend.Send(&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return nil, err
			}
			return sess, nil

		case *pgproto3.CancelRequest:
			return nil, errors.New("pgwire: cancel request")

		default:
			return nil, fmt.Errorf("pgwire: unexpected startup message %T", m)
		}
	}
}

// handleQuery executes the ';'-separated statements in the buffer in order,
// stopping at the first failure, then sends a single ReadyForQuery.
func (s *Server) handleQuery(backend *pgproto3.Backend, sess *sqlengine.Session, buf string) {
	statements := splitStatements(buf)
	if len(statements) == 0 {
		backend.Send(&pgproto3.EmptyQueryResponse{})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return
	}

	for _, stmt := range statements {
		res, err := s.engine.Execute(sess, stmt)
		if err != nil {
			s.log.Debug("statement failed", "err", err)
			backend.Send(errorResponse(err))
			break
		}
		s.sendResult(backend, res)
	}
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func (s *Server) sendResult(backend *pgproto3.Backend, res sqlengine.Result) {
	if len(res.Columns) > 0 {
		fields := make([]pgproto3.FieldDescription, len(res.Columns))
		for i, col := range res.Columns {
			fields[i] = pgproto3.FieldDescription{
				Name:         []byte(col),
				DataTypeOID:  textOID,
				DataTypeSize: -1,
				TypeModifier: -1,
			}
		}
		backend.Send(&pgproto3.RowDescription{Fields: fields})

		for _, row := range res.Rows {
			values := make([][]byte, len(row))
			for i, v := range row {
				values[i] = renderValue(v)
			}
			backend.Send(&pgproto3.DataRow{Values: values})
		}
	}

	tag := res.Tag
	if tag == "" {
		tag = "OK"
	}
	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// splitStatements breaks a simple-query buffer on semicolons, respecting
// single-quoted string literals.
func splitStatements(buf string) []string {
	var out []string
	var sb strings.Builder
	inString := false

	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if c == '\'' {
			inString = !inString
		}
		if c == ';' && !inString {
			if stmt := strings.TrimSpace(sb.String()); stmt != "" {
				out = append(out, stmt)
			}
			sb.Reset()
			continue
		}
		sb.WriteByte(c)
	}
	if stmt := strings.TrimSpace(sb.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

// renderValue converts a result cell to its text-format wire bytes; nil
// stays nil, which the protocol renders as NULL.
func renderValue(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(t)
	case []byte:
		return t
	case bool:
		if t {
			return []byte("t")
		}
		return []byte("f")
	case int64:
		return []byte(strconv.FormatInt(t, 10))
	case int:
		return []byte(strconv.Itoa(t))
	case float64:
		return []byte(strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		return []byte(t.String())
	default:
		if b, err := json.Marshal(t); err == nil {
			return b
		}
		return []byte(fmt.Sprint(t))
	}
}

// errorResponse maps the error taxonomy onto SQLSTATE codes: 42601 for
// syntax errors and 40001 for write conflicts, per the protocol mapping
// contract.
func errorResponse(err error) *pgproto3.ErrorResponse {
	code := "XX000"
	switch {
	case errors.Is(err, sqlengine.ErrSyntax):
		code = "42601"
	case errors.Is(err, chronerr.VersionConflict),
		errors.Is(err, chronerr.Conflict),
		errors.Is(err, chronerr.WriteContention):
		code = "40001"
	case errors.Is(err, chronerr.NotFound):
		code = "02000"
	case errors.Is(err, chronerr.SchemaExists):
		code = "42P07"
	case errors.Is(err, chronerr.SchemaAbsent):
		code = "42P01"
	case errors.Is(err, chronerr.BadDocument):
		code = "22P02"
	case errors.Is(err, chronerr.Timeout):
		code = "57014"
	}

	return &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  err.Error(),
	}
}
