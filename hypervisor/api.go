// Package hypervisor spawns and controls one micro-VM per request: a
// child hypervisor process talking a JSON-over-HTTP control API on a
// Unix-domain socket, used to attach the rootfs and IoFile as pmem
// devices and to enforce the request's execution deadline. See spec.md
// §4.5 and §6.
package hypervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// apiClient drives the hypervisor's control API over a single
// already-established connection: method + path + optional JSON body,
// in, JSON body out. Requests are serialized under mu because the
// protocol is strictly request/response over one stream, not pipelined.
type apiClient struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

func newAPIClient(conn net.Conn) *apiClient {
	return &apiClient{conn: conn, br: bufio.NewReader(conn)}
}

// call issues method against "/api/v1/"+path. body is marshalled as the
// JSON request entity when non-nil; the raw response entity is returned
// unparsed so callers can decode only what they need.
func (c *apiClient) call(method, path string, body interface{}) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bodyReader io.Reader
	var bodyLen int64
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "hypervisor: marshal request body")
		}
		bodyReader = bytes.NewReader(b)
		bodyLen = int64(len(b))
	}

	req, err := http.NewRequest(method, "http://localhost/api/v1/"+path, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = bodyLen
	}
	req.Close = false

	if err := req.Write(c.conn); err != nil {
		return nil, errors.Wrapf(err, "hypervisor: write %s %s", method, path)
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return nil, errors.Wrapf(err, "hypervisor: read response for %s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor: read response body")
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("hypervisor: %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}
	return respBody, nil
}

type addPmemRequest struct {
	File          string `json:"file"`
	DiscardWrites bool   `json:"discard_writes"`
}

// AddPmem attaches file to the guest as a persistent-memory device.
// discardWrites true mounts it copy-on-write in guest memory only (used
// for the read-only rootfs image); false shares writes back to the host
// file (used for the IoFile, so the guest's response lands where the
// host can read it back).
func (c *Controller) AddPmem(file string, discardWrites bool) error {
	_, err := c.client.call("PUT", "vm.add-pmem", addPmemRequest{
		File:          file,
		DiscardWrites: discardWrites,
	})
	return err
}
