package hypervisor

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
)

// fakeAPIServer accepts one connection on a Unix socket and answers every
// request on it with a canned status and body, recording the last
// request it saw.
type fakeAPIServer struct {
	t          *testing.T
	listener   *net.UnixListener
	lastMethod string
	lastPath   string
	lastBody   []byte
}

func startFakeAPIServer(t *testing.T, status int, body string) (*fakeAPIServer, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "api.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeAPIServer{t: t, listener: l}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			srv.lastMethod = req.Method
			srv.lastPath = req.URL.Path
			buf, _ := io.ReadAll(req.Body)
			srv.lastBody = buf
			req.Body.Close()

			resp := http.Response{
				StatusCode: status,
				Proto:      "HTTP/1.1",
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     make(http.Header),
				Body:       http.NoBody,
				Request:    req,
			}
			if body != "" {
				resp.Body = io.NopCloser(strings.NewReader(body))
				resp.ContentLength = int64(len(body))
			}
			if err := resp.Write(conn); err != nil {
				return
			}
		}
	}()

	return srv, sockPath
}

func TestAPIClientAddPmem(t *testing.T) {
	_, sockPath := startFakeAPIServer(t, 204, "")

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := &Controller{client: newAPIClient(conn)}
	if err := c.AddPmemRO("/tmp/rootfs.img"); err != nil {
		t.Fatalf("AddPmemRO: %v", err)
	}
	if err := c.AddPmemRW("/tmp/io.file"); err != nil {
		t.Fatalf("AddPmemRW: %v", err)
	}
}

func TestAPIClientErrorStatus(t *testing.T) {
	_, sockPath := startFakeAPIServer(t, 500, `{"error":"boom"}`)

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := &Controller{client: newAPIClient(conn)}
	if err := c.AddPmemRO("/tmp/rootfs.img"); err == nil {
		t.Fatalf("AddPmemRO: want error on 500 status")
	}
}
