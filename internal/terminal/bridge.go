package terminal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// bridgeOp is one command line written to the bridge process.
type bridgeOp struct {
	Op      string `json:"op"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Key     string `json:"key,omitempty"`
	Segment string `json:"segment,omitempty"`
	Codes   string `json:"codes,omitempty"`
	Fields  string `json:"fields,omitempty"`
}

// bridgeLine is one line read from the bridge process.
type bridgeLine struct {
	Type   string            `json:"type"`
	Ret    int               `json:"ret"`
	Key    string            `json:"key,omitempty"`
	Code   string            `json:"code,omitempty"`
	Codes  []string          `json:"codes,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// BridgeDriver drives the vendor terminal through a bridge subprocess,
// speaking line-delimited JSON over stdin/stdout. The vendor control only
// exists inside that process; this adapter keeps its single-threaded
// contract by queuing inbound events until PumpEvents drains them on the
// session goroutine.
type BridgeDriver struct {
	scriptPath string
	ackTimeout time.Duration

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	handlers Handlers

	ackChan   chan bridgeLine
	eventChan chan bridgeLine

	log *logger.Entry
}

// NewBridgeDriver launches the bridge subprocess and starts reading its
// output.
func NewBridgeDriver(scriptPath string, ackTimeout time.Duration, log *logger.Log) (*BridgeDriver, error) {
	cmd := exec.Command("python", scriptPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start bridge process: %w", err)
	}

	d := &BridgeDriver{
		scriptPath: scriptPath,
		ackTimeout: ackTimeout,
		cmd:        cmd,
		stdin:      stdin,
		ackChan:    make(chan bridgeLine, 1),
		eventChan:  make(chan bridgeLine, 4096),
		log:        log.WithComponent("bridge"),
	}

	go d.readLoop(stdout)

	d.log.WithFields(logger.Fields{"script": scriptPath, "pid": cmd.Process.Pid}).Info("🚀 Terminal bridge process started")
	return d, nil
}

// readLoop splits bridge output into synchronous acks and queued events.
func (d *BridgeDriver) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || !strings.HasPrefix(raw, "{") {
			continue
		}

		var line bridgeLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			d.log.WithError(err).Warn("⚠️ Dropping unparseable bridge line")
			continue
		}

		if line.Type == "ack" {
			select {
			case d.ackChan <- line:
			default:
				d.log.Warn("⚠️ Dropping unexpected ack")
			}
			continue
		}

		select {
		case d.eventChan <- line:
		default:
			d.log.Warn("⚠️ Bridge event queue full, dropping event")
		}
	}

	if err := scanner.Err(); err != nil {
		d.log.WithError(err).Error("🔥 Bridge output closed with error")
	}
}

// writeOp sends one command line to the bridge.
func (d *BridgeDriver) writeOp(op bridgeOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = d.stdin.Write(append(data, '\n'))
	return err
}

// awaitAck waits for the immediate accept line of the last command.
func (d *BridgeDriver) awaitAck() (bridgeLine, bool) {
	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case line := <-d.ackChan:
		return line, true
	case <-timer.C:
		return bridgeLine{}, false
	}
}

// SetHandlers registers the callback set.
func (d *BridgeDriver) SetHandlers(h Handlers) {
	d.handlers = h
}

// Connect starts the asynchronous login.
func (d *BridgeDriver) Connect() int {
	if err := d.writeOp(bridgeOp{Op: "connect"}); err != nil {
		d.log.WithError(err).Error("🔥 Failed to send connect op")
		return -1
	}
	ack, ok := d.awaitAck()
	if !ok {
		return -1
	}
	return ack.Ret
}

// IssueRequest submits a data request.
func (d *BridgeDriver) IssueRequest(kind RequestKind, stockCode, correlationKey string) int {
	if err := d.writeOp(bridgeOp{Op: "request", Kind: string(kind), Code: stockCode, Key: correlationKey}); err != nil {
		return -1
	}
	ack, ok := d.awaitAck()
	if !ok {
		return -1
	}
	return ack.Ret
}

// ListCodes fetches the code universe for a market segment.
func (d *BridgeDriver) ListCodes(segment market.Segment) ([]string, error) {
	if err := d.writeOp(bridgeOp{Op: "list_codes", Segment: segment.TerminalCode()}); err != nil {
		return nil, fmt.Errorf("failed to send list_codes op: %w", err)
	}
	ack, ok := d.awaitAck()
	if !ok {
		return nil, fmt.Errorf("no ack for list_codes within %s", d.ackTimeout)
	}
	if ack.Ret != 0 {
		return nil, fmt.Errorf("list_codes rejected with code %d", ack.Ret)
	}
	return ack.Codes, nil
}

// SubscribeLive registers instruments for push updates.
func (d *BridgeDriver) SubscribeLive(stockCodes []string, fieldMask string) int {
	op := bridgeOp{Op: "subscribe", Codes: strings.Join(stockCodes, ";"), Fields: fieldMask}
	if err := d.writeOp(op); err != nil {
		return -1
	}
	ack, ok := d.awaitAck()
	if !ok {
		return -1
	}
	return ack.Ret
}

// UnsubscribeAll drops every live registration.
func (d *BridgeDriver) UnsubscribeAll() {
	if err := d.writeOp(bridgeOp{Op: "unsubscribe_all"}); err != nil {
		return
	}
	d.awaitAck()
}

// PumpEvents drains queued bridge events onto the calling goroutine.
func (d *BridgeDriver) PumpEvents() {
	for {
		select {
		case line := <-d.eventChan:
			d.dispatch(line)
		default:
			return
		}
	}
}

func (d *BridgeDriver) dispatch(line bridgeLine) {
	switch line.Type {
	case "connect":
		if d.handlers.OnConnect != nil {
			d.handlers.OnConnect(line.Ret)
		}
	case "tr_data":
		if d.handlers.OnDataReady != nil {
			d.handlers.OnDataReady(line.Key, line.Fields)
		}
	case "real_data":
		if d.handlers.OnLiveTick != nil {
			d.handlers.OnLiveTick(line.Code, line.Fields)
		}
	default:
		d.log.WithFields(logger.Fields{"type": line.Type}).Debug("Ignoring unknown bridge event")
	}
}

// Close terminates the bridge process.
func (d *BridgeDriver) Close() error {
	if err := d.stdin.Close(); err != nil {
		d.log.WithError(err).Warn("⚠️ Failed to close bridge stdin")
	}

	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		if err := d.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill bridge process: %w", err)
		}
		return nil
	}
}
