// Package monitor is the urs485mon terminal UI: a bubbletea program that
// polls a running urs485d's admin API and renders switch/port status.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SwitchStatus mirrors one element of adminapi's GET /switches response.
type SwitchStatus struct {
	Name        string `json:"name"`
	Serial      string `json:"serial"`
	Fallback    bool   `json:"fallback"`
	TCPPortBase uint16 `json:"tcp_port_base"`
	USBAttached bool   `json:"usb_attached"`
	USBReady    bool   `json:"usb_ready"`
	USBSerial   string `json:"usb_serial"`
	HWRevision  string `json:"hw_revision"`
}

// Counters mirrors adminapi's per-port counters object.
type Counters struct {
	Broadcasts      uint32 `json:"broadcasts"`
	Unicasts        uint32 `json:"unicasts"`
	FrameErrors     uint32 `json:"frame_errors"`
	OversizeErrors  uint32 `json:"oversize_errors"`
	UndersizeErrors uint32 `json:"undersize_errors"`
	CRCErrors       uint32 `json:"crc_errors"`
	MismatchErrors  uint32 `json:"mismatch_errors"`
	Timeouts        uint32 `json:"timeouts"`
}

// PortStatus mirrors one element of adminapi's GET /switches/:name/ports.
type PortStatus struct {
	Index            uint8    `json:"index"`
	PhysNumber       uint8    `json:"phys_number"`
	Description      string   `json:"description"`
	BaudRate         uint32   `json:"baud_rate"`
	Parity           uint8    `json:"parity"`
	Powered          bool     `json:"powered"`
	RequestTimeoutMS uint16   `json:"request_timeout_ms"`
	CurrentSense     uint16   `json:"current_sense"`
	Counters         Counters `json:"counters"`
}

// APIClient is a thin HTTP client over a urs485d admin API instance.
type APIClient struct {
	BaseURL string
	http    *http.Client
}

// NewAPIClient builds a client against baseURL (e.g. "http://localhost:9485").
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{BaseURL: baseURL, http: &http.Client{Timeout: 3 * time.Second}}
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.http.Get(c.BaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchSwitches retrieves every configured switch's summary.
func (c *APIClient) FetchSwitches() ([]SwitchStatus, error) {
	var body struct {
		Switches []SwitchStatus `json:"switches"`
	}
	if err := c.get("/switches", &body); err != nil {
		return nil, err
	}
	return body.Switches, nil
}

// FetchPorts retrieves the 8 data ports of the named switch.
func (c *APIClient) FetchPorts(name string) ([]PortStatus, error) {
	var body struct {
		Ports []PortStatus `json:"ports"`
	}
	if err := c.get("/switches/"+name+"/ports", &body); err != nil {
		return nil, err
	}
	return body.Ports, nil
}
