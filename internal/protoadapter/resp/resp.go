// Package resp is the RESP2 protocol surface: a reader/writer over
// net.Conn. GET/SET/DEL/EXISTS and the hash/list/set/sorted-set families
// are backed by documents in a synthetic __resp_<type> table namespace,
// so every RESP write still flows through the same commit path as REST
// and SQL.
package resp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moclojer/chrondb-sub001/internal/chrondb"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/planner"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
)

const (
	tableString = "__resp_string"
	tableHash   = "__resp_hash"
	tableList   = "__resp_list"
	tableSet    = "__resp_set"
	tableZSet   = "__resp_zset"
)

// Server serves the RESP2 protocol over TCP and an optional SUBSCRIBE
// notification channel over WebSocket.
type Server struct {
	db       *chrondb.DB
	log      *slog.Logger
	branch   string
	broker   *broker
	upgrader websocket.Upgrader
}

// New builds a Server over an already-open DB, talking to branch (defaults
// to "main" when empty).
func New(db *chrondb.DB, branch string) *Server {
	if branch == "" {
		branch = "main"
	}
	return &Server{
		db:     db,
		log:    slog.Default().With(slog.String("protocol", "resp")),
		branch: branch,
		broker: newBroker(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe opens a TCP listener on addr and serves RESP2 connections
// on it until Accept fails; the listener is not exposed to the caller.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("resp: listen: %w", err)
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve accepts RESP2 connections from an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

// WebSocketHandler upgrades a firehose SUBSCRIBE request and streams
// publish() notifications for the requested channel until the client
// disconnects.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	channel := strings.TrimSpace(string(msg))
	if channel == "" {
		return
	}

	ch, cancel := s.broker.subscribe(channel)
	defer cancel()

	for payload := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	actor := conn.RemoteAddr().String()

	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}

		s.dispatch(w, args, actor)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// readCommand parses one RESP2 array-of-bulk-strings command, falling
// back to an inline (plain-text, space-separated) command for telnet
// compatibility.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, nil
	}

	if line[0] != '*' {
		return strings.Fields(line), nil
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("resp: bad array header %q", line)
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(head) == 0 || head[0] != '$' {
			return nil, fmt.Errorf("resp: expected bulk string header, got %q", head)
		}
		size, err := strconv.Atoi(head[1:])
		if err != nil {
			return nil, fmt.Errorf("resp: bad bulk string header %q", head)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Server) dispatch(w *bufio.Writer, args []string, actor string) {
	cmd := strings.ToUpper(args[0])
	rest := args[1:]

	switch cmd {
	case "PING":
		writeSimpleString(w, "PONG")
	case "SELECT":
		writeOK(w)
	case "GET":
		s.cmdGet(w, rest)
	case "SET":
		s.cmdSet(w, rest, actor)
	case "DEL":
		s.cmdDel(w, rest, actor)
	case "EXISTS":
		s.cmdExists(w, rest)
	case "HSET":
		s.cmdHSet(w, rest, actor)
	case "HGET":
		s.cmdHGet(w, rest)
	case "HDEL":
		s.cmdHDel(w, rest, actor)
	case "HGETALL":
		s.cmdHGetAll(w, rest)
	case "HSCAN":
		s.cmdHScan(w, rest)
	case "LPUSH", "RPUSH":
		s.cmdPush(w, cmd, rest, actor)
	case "LRANGE":
		s.cmdLRange(w, rest)
	case "LREM":
		s.cmdLRem(w, rest, actor)
	case "SADD":
		s.cmdSAdd(w, rest, actor)
	case "SREM":
		s.cmdSRem(w, rest, actor)
	case "SMEMBERS":
		s.cmdSMembers(w, rest)
	case "SISMEMBER":
		s.cmdSIsMember(w, rest)
	case "SSCAN":
		s.cmdSScan(w, rest)
	case "ZADD":
		s.cmdZAdd(w, rest, actor)
	case "ZSCORE":
		s.cmdZScore(w, rest)
	case "ZRANGE":
		s.cmdZRange(w, rest)
	case "ZREM":
		s.cmdZRem(w, rest, actor)
	case "SCAN":
		s.cmdScan(w, rest)
	case "SEARCH", "FT.SEARCH":
		s.cmdSearch(w, rest)
	case "HISTORY":
		s.cmdHistory(w, rest)
	case "SUBSCRIBE":
		writeArray(w, []any{"subscribe", rest[0], int64(1)})
	default:
		writeError(w, fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
}

func (s *Server) tx(actor string) txctx.Context {
	return txctx.Begin(txctx.OriginRESP, actor)
}

func (s *Server) publishWrite(table, key string, doc docid.Document) {
	payload, err := docid.Encode(doc)
	if err != nil {
		return
	}
	s.broker.publish(table+":"+key, payload)
}

// --- strings ---

func (s *Server) cmdGet(w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeError(w, "ERR wrong number of arguments for 'get' command")
		return
	}
	doc, err := s.db.Get(s.branch, tableString, args[0])
	if err != nil {
		writeNil(w)
		return
	}
	v, _ := doc["value"].(string)
	writeBulkString(w, v)
}

func (s *Server) cmdSet(w *bufio.Writer, args []string, actor string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'set' command")
		return
	}
	doc := docid.Document{"id": args[0], "value": args[1]}
	if _, err := s.db.Put(s.branch, tableString, args[0], doc, s.tx(actor)); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	s.publishWrite(tableString, args[0], doc)
	writeOK(w)
}

func (s *Server) cmdDel(w *bufio.Writer, args []string, actor string) {
	count := 0
	for _, key := range args {
		if _, err := s.db.Delete(s.branch, tableString, key, s.tx(actor)); err == nil {
			count++
		}
	}
	writeInteger(w, int64(count))
}

func (s *Server) cmdExists(w *bufio.Writer, args []string) {
	count := 0
	for _, key := range args {
		if _, err := s.db.Get(s.branch, tableString, key); err == nil {
			count++
		}
	}
	writeInteger(w, int64(count))
}

// --- hashes ---

func (s *Server) loadFields(key string) map[string]any {
	doc, err := s.db.Get(s.branch, tableHash, key)
	if err != nil {
		return map[string]any{}
	}
	fields, _ := doc["fields"].(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	return fields
}

func (s *Server) saveFields(key string, fields map[string]any, actor string) error {
	doc := docid.Document{"id": key, "fields": fields}
	_, err := s.db.Put(s.branch, tableHash, key, doc, s.tx(actor))
	if err == nil {
		s.publishWrite(tableHash, key, doc)
	}
	return err
}

func (s *Server) cmdHSet(w *bufio.Writer, args []string, actor string) {
	if len(args) < 3 || len(args)%2 == 0 {
		writeError(w, "ERR wrong number of arguments for 'hset' command")
		return
	}
	key := args[0]
	fields := s.loadFields(key)
	added := int64(0)
	for i := 1; i+1 < len(args); i += 2 {
		if _, exists := fields[args[i]]; !exists {
			added++
		}
		fields[args[i]] = args[i+1]
	}
	if err := s.saveFields(key, fields, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, added)
}

func (s *Server) cmdHGet(w *bufio.Writer, args []string) {
	if len(args) != 2 {
		writeError(w, "ERR wrong number of arguments for 'hget' command")
		return
	}
	fields := s.loadFields(args[0])
	v, ok := fields[args[1]]
	if !ok {
		writeNil(w)
		return
	}
	writeBulkString(w, fmt.Sprint(v))
}

func (s *Server) cmdHDel(w *bufio.Writer, args []string, actor string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'hdel' command")
		return
	}
	fields := s.loadFields(args[0])
	removed := int64(0)
	for _, f := range args[1:] {
		if _, ok := fields[f]; ok {
			delete(fields, f)
			removed++
		}
	}
	if err := s.saveFields(args[0], fields, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, removed)
}

func (s *Server) cmdHGetAll(w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeError(w, "ERR wrong number of arguments for 'hgetall' command")
		return
	}
	fields := s.loadFields(args[0])
	out := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		out = append(out, k, fmt.Sprint(fields[k]))
	}
	writeArray(w, out)
}

func (s *Server) cmdHScan(w *bufio.Writer, args []string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'hscan' command")
		return
	}
	fields := s.loadFields(args[0])
	out := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		out = append(out, k, fmt.Sprint(fields[k]))
	}
	writeArray(w, []any{"0", out})
}

// --- lists ---

func (s *Server) loadItems(key string) []any {
	doc, err := s.db.Get(s.branch, tableList, key)
	if err != nil {
		return nil
	}
	items, _ := doc["items"].([]any)
	return items
}

func (s *Server) saveItems(key string, items []any, actor string) error {
	doc := docid.Document{"id": key, "items": items}
	_, err := s.db.Put(s.branch, tableList, key, doc, s.tx(actor))
	if err == nil {
		s.publishWrite(tableList, key, doc)
	}
	return err
}

func (s *Server) cmdPush(w *bufio.Writer, cmd string, args []string, actor string) {
	if len(args) < 2 {
		writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
		return
	}
	items := s.loadItems(args[0])
	for _, v := range args[1:] {
		if cmd == "LPUSH" {
			items = append([]any{v}, items...)
		} else {
			items = append(items, v)
		}
	}
	if err := s.saveItems(args[0], items, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, int64(len(items)))
}

func (s *Server) cmdLRange(w *bufio.Writer, args []string) {
	if len(args) != 3 {
		writeError(w, "ERR wrong number of arguments for 'lrange' command")
		return
	}
	items := s.loadItems(args[0])
	start, _ := strconv.Atoi(args[1])
	stop, _ := strconv.Atoi(args[2])
	start, stop = clampRange(start, stop, len(items))
	if start > stop {
		writeArray(w, nil)
		return
	}
	writeArray(w, items[start:stop+1])
}

func (s *Server) cmdLRem(w *bufio.Writer, args []string, actor string) {
	if len(args) != 3 {
		writeError(w, "ERR wrong number of arguments for 'lrem' command")
		return
	}
	items := s.loadItems(args[0])
	target := args[2]
	kept := make([]any, 0, len(items))
	removed := int64(0)
	for _, v := range items {
		if fmt.Sprint(v) == target {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	if err := s.saveItems(args[0], kept, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, removed)
}

// --- sets ---

func (s *Server) loadMembers(key string) map[string]struct{} {
	doc, err := s.db.Get(s.branch, tableSet, key)
	out := map[string]struct{}{}
	if err != nil {
		return out
	}
	members, _ := doc["members"].([]any)
	for _, m := range members {
		out[fmt.Sprint(m)] = struct{}{}
	}
	return out
}

func (s *Server) saveMembers(key string, members map[string]struct{}, actor string) error {
	list := make([]any, 0, len(members))
	for _, m := range sortedSetKeys(members) {
		list = append(list, m)
	}
	doc := docid.Document{"id": key, "members": list}
	_, err := s.db.Put(s.branch, tableSet, key, doc, s.tx(actor))
	if err == nil {
		s.publishWrite(tableSet, key, doc)
	}
	return err
}

func (s *Server) cmdSAdd(w *bufio.Writer, args []string, actor string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'sadd' command")
		return
	}
	members := s.loadMembers(args[0])
	added := int64(0)
	for _, m := range args[1:] {
		if _, ok := members[m]; !ok {
			members[m] = struct{}{}
			added++
		}
	}
	if err := s.saveMembers(args[0], members, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, added)
}

func (s *Server) cmdSRem(w *bufio.Writer, args []string, actor string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'srem' command")
		return
	}
	members := s.loadMembers(args[0])
	removed := int64(0)
	for _, m := range args[1:] {
		if _, ok := members[m]; ok {
			delete(members, m)
			removed++
		}
	}
	if err := s.saveMembers(args[0], members, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, removed)
}

func (s *Server) cmdSMembers(w *bufio.Writer, args []string) {
	if len(args) != 1 {
		writeError(w, "ERR wrong number of arguments for 'smembers' command")
		return
	}
	members := s.loadMembers(args[0])
	out := make([]any, 0, len(members))
	for _, m := range sortedSetKeys(members) {
		out = append(out, m)
	}
	writeArray(w, out)
}

func (s *Server) cmdSIsMember(w *bufio.Writer, args []string) {
	if len(args) != 2 {
		writeError(w, "ERR wrong number of arguments for 'sismember' command")
		return
	}
	members := s.loadMembers(args[0])
	if _, ok := members[args[1]]; ok {
		writeInteger(w, 1)
		return
	}
	writeInteger(w, 0)
}

func (s *Server) cmdSScan(w *bufio.Writer, args []string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'sscan' command")
		return
	}
	members := s.loadMembers(args[0])
	out := make([]any, 0, len(members))
	for _, m := range sortedSetKeys(members) {
		out = append(out, m)
	}
	writeArray(w, []any{"0", out})
}

// --- sorted sets ---

func (s *Server) loadScores(key string) map[string]float64 {
	doc, err := s.db.Get(s.branch, tableZSet, key)
	out := map[string]float64{}
	if err != nil {
		return out
	}
	members, _ := doc["members"].(map[string]any)
	for m, v := range members {
		if f, ok := v.(float64); ok {
			out[m] = f
		}
	}
	return out
}

func (s *Server) saveScores(key string, scores map[string]float64, actor string) error {
	members := make(map[string]any, len(scores))
	for m, sc := range scores {
		members[m] = sc
	}
	doc := docid.Document{"id": key, "members": members}
	_, err := s.db.Put(s.branch, tableZSet, key, doc, s.tx(actor))
	if err == nil {
		s.publishWrite(tableZSet, key, doc)
	}
	return err
}

func (s *Server) cmdZAdd(w *bufio.Writer, args []string, actor string) {
	if len(args) < 3 || len(args)%2 == 0 {
		writeError(w, "ERR wrong number of arguments for 'zadd' command")
		return
	}
	key := args[0]
	scores := s.loadScores(key)
	added := int64(0)
	for i := 1; i+1 < len(args); i += 2 {
		score, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			writeError(w, "ERR value is not a valid float")
			return
		}
		member := args[i+1]
		if _, exists := scores[member]; !exists {
			added++
		}
		scores[member] = score
	}
	if err := s.saveScores(key, scores, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, added)
}

func (s *Server) cmdZScore(w *bufio.Writer, args []string) {
	if len(args) != 2 {
		writeError(w, "ERR wrong number of arguments for 'zscore' command")
		return
	}
	scores := s.loadScores(args[0])
	score, ok := scores[args[1]]
	if !ok {
		writeNil(w)
		return
	}
	writeBulkString(w, strconv.FormatFloat(score, 'g', -1, 64))
}

func (s *Server) cmdZRange(w *bufio.Writer, args []string) {
	if len(args) < 3 {
		writeError(w, "ERR wrong number of arguments for 'zrange' command")
		return
	}
	scores := s.loadScores(args[0])
	members := make([]string, 0, len(scores))
	for m := range scores {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if scores[members[i]] == scores[members[j]] {
			return members[i] < members[j]
		}
		return scores[members[i]] < scores[members[j]]
	})

	start, _ := strconv.Atoi(args[1])
	stop, _ := strconv.Atoi(args[2])
	start, stop = clampRange(start, stop, len(members))
	withScores := len(args) > 3 && strings.EqualFold(args[3], "WITHSCORES")

	var out []any
	if start <= stop {
		for _, m := range members[start : stop+1] {
			out = append(out, m)
			if withScores {
				out = append(out, strconv.FormatFloat(scores[m], 'g', -1, 64))
			}
		}
	}
	writeArray(w, out)
}

func (s *Server) cmdZRem(w *bufio.Writer, args []string, actor string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'zrem' command")
		return
	}
	scores := s.loadScores(args[0])
	removed := int64(0)
	for _, m := range args[1:] {
		if _, ok := scores[m]; ok {
			delete(scores, m)
			removed++
		}
	}
	if err := s.saveScores(args[0], scores, actor); err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	writeInteger(w, removed)
}

// --- scan / search / history ---

func (s *Server) cmdScan(w *bufio.Writer, args []string) {
	if len(args) < 1 {
		writeError(w, "ERR wrong number of arguments for 'scan' command")
		return
	}
	res, err := s.db.Search(planner.Request{
		Table:  tableString,
		Filter: query.Query{Branch: s.branch},
	})
	if err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	out := make([]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, row.ID())
	}
	writeArray(w, []any{"0", out})
}

func (s *Server) cmdSearch(w *bufio.Writer, args []string) {
	if len(args) < 2 {
		writeError(w, "ERR wrong number of arguments for 'search' command")
		return
	}
	table := args[0]
	term := args[1]
	res, err := s.db.Search(planner.Request{
		Table: table,
		Filter: query.Query{
			Branch:  s.branch,
			Clauses: []query.Clause{query.NewFts("_all", term, "")},
		},
	})
	if err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}
	out := make([]any, 0, len(res.Rows)*2)
	for _, row := range res.Rows {
		doc, err := docid.Encode(row)
		if err != nil {
			continue
		}
		out = append(out, row.ID(), string(doc))
	}
	writeArray(w, out)
}

func (s *Server) cmdHistory(w *bufio.Writer, args []string) {
	if len(args) < 1 {
		writeError(w, "ERR wrong number of arguments for 'history' command")
		return
	}
	table, id, ok := docid.ParseTableAndID(args[0])
	if !ok {
		writeError(w, "ERR key must be \"table:id\"")
		return
	}

	var (
		count  int
		cursor string
		since  time.Time
	)
	for i := 1; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "COUNT":
			count, _ = strconv.Atoi(args[i+1])
		case "CURSOR":
			cursor = args[i+1]
		case "SINCE":
			if unix, err := strconv.ParseInt(args[i+1], 10, 64); err == nil {
				since = time.Unix(unix, 0)
			}
		}
	}

	entries, err := s.db.History(s.branch, table, id)
	if err != nil {
		writeError(w, "ERR "+err.Error())
		return
	}

	if cursor != "" {
		for i, e := range entries {
			if e.CommitID.String() == cursor {
				entries = entries[i+1:]
				break
			}
		}
	}
	if !since.IsZero() {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Time.After(since) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}

	out := make([]any, 0, len(entries))
	for _, e := range entries {
		doc, err := docid.Encode(e.Document)
		if err != nil {
			continue
		}
		out = append(out, []any{e.CommitID.String(), e.Time.UTC().Format("2006-01-02T15:04:05Z"), string(doc)})
	}
	writeArray(w, out)
}

func clampRange(start, stop, length int) (int, int) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	return start, stop
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSetKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
