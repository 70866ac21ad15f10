package supervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Worker liveness states carried on the heartbeat pipe. A worker reports
// alive from the moment its process is up and switches to started once its
// listener is accepting; reload retirement waits for started.
const (
	StateAlive   = "alive"
	StateStarted = "started"
)

// maxHeartbeatFrame bounds one frame on the pipe. Heartbeats are tiny; a
// larger length prefix means a corrupted stream.
const maxHeartbeatFrame = 4096

// ErrFrameTooLarge reports a heartbeat frame whose declared length exceeds
// the bound.
var ErrFrameTooLarge = errors.New("heartbeat frame too large")

// Heartbeat is one liveness report from a worker process.
type Heartbeat struct {
	PID    int
	State  string
	Active int
}

// writeHeartbeat frames hb as a length-prefixed protobuf Struct. The frame
// is written with a single Write so concurrent writers on a pipe cannot
// interleave, though in practice each worker has one reporter.
func writeHeartbeat(w io.Writer, hb Heartbeat) error {
	st, err := structpb.NewStruct(map[string]interface{}{
		"pid":    hb.PID,
		"state":  hb.State,
		"active": hb.Active,
	})
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	payload, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// readHeartbeat reads one length-prefixed frame and decodes it.
func readHeartbeat(r io.Reader) (Heartbeat, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Heartbeat{}, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > maxHeartbeatFrame {
		return Heartbeat{}, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Heartbeat{}, err
	}
	var st structpb.Struct
	if err := proto.Unmarshal(payload, &st); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return Heartbeat{
		PID:    int(st.Fields["pid"].GetNumberValue()),
		State:  st.Fields["state"].GetStringValue(),
		Active: int(st.Fields["active"].GetNumberValue()),
	}, nil
}

// Reporter is the worker-side half of the heartbeat channel: it writes one
// frame immediately, then one per interval, switching from alive to started
// when ready fires.
type Reporter struct {
	w        io.Writer
	pid      int
	interval time.Duration
}

// NewReporter wraps the inherited pipe end. pid is reported in every frame.
func NewReporter(w io.Writer, pid int, interval time.Duration) *Reporter {
	return &Reporter{w: w, pid: pid, interval: interval}
}

// Run reports until ctx is cancelled or the pipe breaks, which happens when
// the supervisor is gone and means this worker should not linger either.
// active is sampled at each beat.
func (r *Reporter) Run(ctx context.Context, ready <-chan struct{}, active func() int) error {
	state := StateAlive
	beat := func() error {
		return writeHeartbeat(r.w, Heartbeat{PID: r.pid, State: state, Active: active()})
	}
	if err := beat(); err != nil {
		return err
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ready:
			// Announce started right away rather than on the next tick;
			// reload retirement is waiting on it.
			state = StateStarted
			ready = nil
			if err := beat(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := beat(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
