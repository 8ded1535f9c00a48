package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/containerd/fifo"
	"github.com/docker/docker/api/types/plugins/logdriver"
	"github.com/gogo/protobuf/proto"
	"github.com/sirupsen/logrus"

	"github.com/IBM/docker-logdna/client"
)

// closeGracePeriod is how long the pump keeps reading after a stop request
// before telling Docker it may close the pipe. Docker gives no way to know
// whether the last record has been written, so all we can do is wait.
const closeGracePeriod = 100 * time.Millisecond

// closeNotify coordinates shutdown between the control plane and one pump.
// Each channel carries at most one pending notification, mirroring a
// one-shot notify in either direction.
type closeNotify struct {
	// requestedToClose fires when Docker asks to stop logging.
	requestedToClose chan struct{}
	// letDockerClosePipe fires when all records have been read and Docker
	// may close the pipe.
	letDockerClosePipe chan struct{}
}

func newCloseNotify() *closeNotify {
	return &closeNotify{
		requestedToClose:   make(chan struct{}, 1),
		letDockerClosePipe: make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// frame is one length-delimited record read off the FIFO, or the error
// that ended the stream. err == io.EOF marks a clean end.
type frame struct {
	data []byte
	err  error
}

// pump drains one container's FIFO, batches records, and dispatches
// batches to the ingest client without ever blocking the FIFO reader on a
// send.
type pump struct {
	container *Container
	notify    *closeNotify

	// rate-limited local diagnostics
	errMu          sync.Mutex
	lastErrLog     time.Time
	suppressedErrs int
}

func newPump(container *Container, notify *closeNotify) *pump {
	return &pump{container: container, notify: notify}
}

// logError rate-limits local error logging to prevent log floods: at most
// one logged error per minute, with suppressed errors counted.
func (p *pump) logError(format string, args ...interface{}) {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(p.lastErrLog)

	if elapsed >= time.Minute {
		if p.suppressedErrs > 0 {
			logrus.Warnf("suppressed %d errors in last %v",
				p.suppressedErrs, elapsed.Round(time.Second))
			p.suppressedErrs = 0
		}
		logrus.Errorf(format, args...)
		p.lastErrLog = now
	} else {
		p.suppressedErrs++
	}
}

// criticalError forwards a pump failure as remote feedback while rate
// limiting the local copy; a flood of bad records must not flood the
// plugin's own log.
func (p *pump) criticalError(ctx context.Context, msg string) {
	msg = criticalPrefix + msg
	p.logError("%s", msg)
	emitCritical(ctx, p.container, msg)
}

// run consumes the FIFO until EOF or a fatal read error. It owns the
// two-phase close handoff: letDockerClosePipe is signalled before the
// FIFO handle is ever closed.
func (p *pump) run() {
	ctx := context.Background()
	file := p.container.StartRequest.File

	f, err := fifo.OpenFifo(ctx, file, syscall.O_RDONLY, 0)
	if err != nil {
		p.criticalError(ctx, fmt.Sprintf("Failed to open docker fifo file: %v", err))
		notify(p.notify.letDockerClosePipe)
		return
	}

	done := make(chan struct{})
	frames := make(chan frame)
	go readFrames(f, frames, done)

	// Records are appended back to back; startPositions[i] is the first
	// byte of record i and the final element is one past the last byte.
	buf := make([]byte, 0, p.container.Config.MaxBufferSize)
	startPositions := []int{0}
	lastFlush := time.Now()

	flush := func() {
		go p.consumeBuf(buf, startPositions)
		buf = make([]byte, 0, p.container.Config.MaxBufferSize)
		startPositions = []int{0}
	}

readLoop:
	for {
		var fr frame
		select {
		case fr = <-frames:
		case <-p.notify.requestedToClose:
			logrus.WithField("fifo", file).Info("requested to close via http")
			// There might still be records in flight. Race one more read
			// against a bounded grace window.
			grace := time.NewTimer(closeGracePeriod)
			select {
			case fr = <-frames:
				grace.Stop()
				// Re-raise so the stop request is not forgotten.
				notify(p.notify.requestedToClose)
			case <-grace.C:
				// All records should have reached the pipe by now, so it is
				// safe to let Docker close it. Send what is buffered first so
				// the stop response does not overtake it. The EOF that
				// follows is the true terminator; keep reading until then.
				if len(buf) > 0 {
					p.consumeBuf(buf, startPositions)
					buf = make([]byte, 0, p.container.Config.MaxBufferSize)
					startPositions = []int{0}
					lastFlush = time.Now()
				}
				notify(p.notify.letDockerClosePipe)
				continue
			}
		}

		if fr.err != nil {
			if fr.err == io.EOF {
				logrus.WithField("fifo", file).Info("found EOF, closing pipe")
			} else {
				p.criticalError(ctx, fr.err.Error())
			}
			break readLoop
		}

		buf = append(buf, fr.data...)
		startPositions = append(startPositions, len(buf))

		// Flush on size or interval. The batch moves into its own
		// goroutine; any delay here can kill the pipe when a container
		// logs more than a thousand lines a second.
		if len(buf) >= p.container.Config.MaxBufferSize ||
			(len(buf) > 0 && time.Since(lastFlush) >= p.container.Config.FlushInterval) {
			flush()
			lastFlush = time.Now()
		}
	}

	// The final drain runs inline: the pump is done with the FIFO, and the
	// stop response must not overtake the last records.
	if len(buf) > 0 {
		p.consumeBuf(buf, startPositions)
	}
	logrus.WithField("fifo", file).Info("finished consuming log")
	notify(p.notify.letDockerClosePipe)
	close(done)
	f.Close()
}

// readFrames frames length-delimited records off the FIFO and hands them
// to the pump. A read error ends the stream; io.EOF stands for a clean
// end, including one that cuts a length prefix short.
func readFrames(r io.Reader, frames chan<- frame, done <-chan struct{}) {
	var lenBuf [4]byte
	for {
		var fr frame
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				fr = frame{err: io.EOF}
			} else {
				fr = frame{err: fmt.Errorf("Failed to read delimiter size: %v", err)}
			}
			select {
			case frames <- fr:
			case <-done:
			}
			return
		}

		size := binary.BigEndian.Uint32(lenBuf[:])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			fr = frame{err: fmt.Errorf("Failed to read message: %v", err)}
			select {
			case frames <- fr:
			case <-done:
			}
			return
		}

		select {
		case frames <- frame{data: data}:
		case <-done:
			return
		}
	}
}

// consumeBuf decodes one batch and sends it. Runs detached from the read
// loop; the batch is self-contained and never indexes back into the pump.
func (p *pump) consumeBuf(buf []byte, startPositions []int) {
	ctx := context.Background()
	lines := make([]*client.Line, 0, len(startPositions)-1)
	for i := 0; i+1 < len(startPositions); i++ {
		line, err := p.decodeLine(buf[startPositions[i]:startPositions[i+1]])
		if err != nil {
			p.criticalError(ctx, err.Error())
			continue
		}
		lines = append(lines, line)
	}
	// When sending fails after all retries there is nothing left to do;
	// feedback has already been emitted.
	_ = sendLines(ctx, p.container, lines, false)
}

func (p *pump) decodeLine(data []byte) (*client.Line, error) {
	var entry logdriver.LogEntry
	if err := proto.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("Failed to decode log entry: %v", err)
	}

	if !utf8.Valid(entry.Line) {
		return nil, fmt.Errorf("Failed to utf8 decode log line: invalid utf-8 sequence")
	}

	text := capLine(string(entry.Line), p.container.Config.MaxLength)
	return createLine(p.container, text)
}

// capLine truncates s to at most max bytes without splitting a UTF-8
// sequence. max == 0 disables capping.
func capLine(s string, max int) string {
	if max == 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
