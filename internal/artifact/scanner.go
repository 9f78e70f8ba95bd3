package artifact

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Scanner is the malware scanning facade. Implementations must distinguish
// deterministic verdicts (InfectedError) from transient faults (plain
// errors), because the pipeline blocks on the former and retries the latter.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, r io.Reader) error
}

// InfectedError is a deterministic scanner verdict; the artifact blocks.
type InfectedError struct {
	Signature string
}

func (e *InfectedError) Error() string {
	return fmt.Sprintf("malware_detected: %s", e.Signature)
}

// NoopScanner accepts everything; used when no AV engine is configured.
type NoopScanner struct{}

func (NoopScanner) Name() string                                { return "none" }
func (NoopScanner) Scan(ctx context.Context, r io.Reader) error { return nil }

// ClamScanner streams objects to a clamd daemon over its INSTREAM protocol.
type ClamScanner struct {
	address string
	timeout time.Duration
}

// NewClamScanner points at a clamd TCP address (host:port).
func NewClamScanner(address string, timeout time.Duration) *ClamScanner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ClamScanner{address: address, timeout: timeout}
}

func (s *ClamScanner) Name() string { return "clamav" }

// Scan streams the object in 32 KiB chunks and parses the clamd reply.
func (s *ClamScanner) Scan(ctx context.Context, r io.Reader) error {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("scanner dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return fmt.Errorf("scanner write: %w", err)
	}
	buf := make([]byte, 32<<10)
	chunkLen := make([]byte, 4)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(chunkLen, uint32(n))
			if _, err := conn.Write(chunkLen); err != nil {
				return fmt.Errorf("scanner write: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("scanner write: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("scanner read source: %w", readErr)
		}
	}
	// Zero-length chunk terminates the stream.
	binary.BigEndian.PutUint32(chunkLen, 0)
	if _, err := conn.Write(chunkLen); err != nil {
		return fmt.Errorf("scanner write: %w", err)
	}

	reply, err := io.ReadAll(io.LimitReader(conn, 4096))
	if err != nil {
		return fmt.Errorf("scanner reply: %w", err)
	}
	verdict := strings.TrimSpace(strings.TrimSuffix(string(reply), "\x00"))
	switch {
	case strings.HasSuffix(verdict, "OK"):
		return nil
	case strings.Contains(verdict, "FOUND"):
		signature := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(verdict, "stream:"), "FOUND"))
		return &InfectedError{Signature: signature}
	default:
		return fmt.Errorf("scanner verdict unparseable: %q", verdict)
	}
}
