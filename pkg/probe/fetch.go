package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"

	"proxy-quality-monitor/pkg/models"
)

// Options contains the configuration for a single probe request.
type Options struct {
	// Transport config string for the egress port. Empty dials directly.
	Transport string
	// HTTP method to use (default: "HEAD")
	Method string
	// Hard timeout for the whole probe in seconds (default: 10)
	TimeoutSec int
}

// Result is the normalized outcome of one probe.
type Result struct {
	Status     models.MeasurementStatus
	RttMs      int64
	HTTPStatus int
	Message    string
	ErrorMsg   string
}

// Probe measures the steady-state round-trip time of a lightweight request
// through the configured transport. A warm-up request is issued first and
// discarded so that TCP, TLS, and proxy negotiation overhead never lands in
// the reported number; the second request's wall-clock time is the RTT. The
// warm-up connection is kept alive and reused for the measured request.
func Probe(ctx context.Context, url string, opts Options) Result {
	if opts.Method == "" {
		opts.Method = "HEAD"
	}
	if opts.TimeoutSec == 0 {
		opts.TimeoutSec = 10
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
	if err != nil {
		return Result{
			Status:   models.StatusError,
			ErrorMsg: fmt.Sprintf("could not create dialer: %v", err),
		}
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	timeout := time.Duration(opts.TimeoutSec) * time.Second
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: dialContext,
			// Targets are IP literals, so certificate names never match;
			// reachability is what's being measured.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer httpClient.CloseIdleConnections()

	// One deadline spans warm-up and measurement so a stalled probe costs a
	// single timeout, not two.
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Warm-up request. A failure here already tells us the node is
	// unreachable through this egress; it is reported without measuring.
	if _, err := doRequest(probeCtx, httpClient, opts.Method, url); err != nil {
		status, msg := classifyError(err)
		return Result{Status: status, ErrorMsg: msg}
	}

	start := time.Now()
	code, err := doRequest(probeCtx, httpClient, opts.Method, url)
	if err != nil {
		status, msg := classifyError(err)
		return Result{Status: status, ErrorMsg: msg}
	}
	rtt := time.Since(start).Milliseconds()

	return Result{
		Status:     classifyHTTPStatus(code),
		RttMs:      rtt,
		HTTPStatus: code,
		Message:    fmt.Sprintf("HTTP %d", code),
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused for the measured request.
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
