package resp

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/chrondb"
)

// testClient wires a Server to one end of an in-memory net.Pipe and
// returns a bufio reader/writer over the other end, so tests can speak
// real RESP2 wire bytes without opening a TCP socket.
func testClient(t *testing.T) (*bufio.Writer, *bufio.Reader) {
	t.Helper()
	db, err := chrondb.Open(chrondb.Config{
		DataPath:      t.TempDir(),
		IndexPath:     t.TempDir(),
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	server := New(db, "main")

	serverConn, clientConn := net.Pipe()
	go server.serveConn(serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })

	return bufio.NewWriter(clientConn), bufio.NewReader(clientConn)
}

func sendCommand(t *testing.T, w *bufio.Writer, args ...string) {
	t.Helper()
	_, err := w.WriteString("*" + itoa(len(args)) + "\r\n")
	require.NoError(t, err)
	for _, a := range args {
		_, err := w.WriteString("$" + itoa(len(a)) + "\r\n" + a + "\r\n")
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func readLineWithDeadline(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := readLine(r)
	require.NoError(t, err)
	return line
}

func TestPing(t *testing.T) {
	w, r := testClient(t)
	sendCommand(t, w, "PING")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "+PONG")
}

func TestSetThenGet(t *testing.T) {
	w, r := testClient(t)
	sendCommand(t, w, "SET", "greeting", "hello")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "+OK")

	sendCommand(t, w, "GET", "greeting")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "$5")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "hello")
}

func TestGetMissingReturnsNilBulk(t *testing.T) {
	w, r := testClient(t)
	sendCommand(t, w, "GET", "ghost")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "$-1")
}

func TestDelRemovesKey(t *testing.T) {
	w, r := testClient(t)
	sendCommand(t, w, "SET", "k", "v")
	readLineWithDeadline(t, r)

	sendCommand(t, w, "DEL", "k")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, ":1")

	sendCommand(t, w, "EXISTS", "k")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, ":0")
}

func TestHashSetAndGet(t *testing.T) {
	w, r := testClient(t)
	sendCommand(t, w, "HSET", "user:1", "name", "ana")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, ":1")

	sendCommand(t, w, "HGET", "user:1", "name")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "$3")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, "ana")
}

func TestSetAddAndMembers(t *testing.T) {
	w, r := testClient(t)
	sendCommand(t, w, "SADD", "tags", "go", "db")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, ":2")

	sendCommand(t, w, "SISMEMBER", "tags", "go")
	assertEventually(t, func() string { return readLineWithDeadline(t, r) }, ":1")
}

// assertEventually reads one reply line and requires it to equal want;
// reads over net.Pipe are synchronous once the peer has written, so no
// actual polling/retry is needed here.
func assertEventually(t *testing.T, read func() string, want string) {
	t.Helper()
	got := read()
	require.Equal(t, want, got)
}
