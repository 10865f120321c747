package transfer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	helloMagic     = "CLX1"
	maxHelloLength = 128
	maxLinkStreams = 65
	// MaxMessageSize bounds one control frame on a link.
	MaxMessageSize = 1 << 20

	defaultHelloTimeout = 10 * time.Second
	pendingLinkTTL      = 30 * time.Second
)

// Link is the set of streams between one client and the server: one data
// lane per chunk plus a control lane.
type Link struct {
	ID      string
	Data    []Stream
	Control Stream

	closeOnce sync.Once
	closeErr  error
}

// Chunks returns the number of data lanes.
func (l *Link) Chunks() int {
	return len(l.Data)
}

// RemoteAddr names the client behind the link: the control lane's remote
// address when the transport exposes one, otherwise the link ID.
func (l *Link) RemoteAddr() string {
	if ra, ok := l.Control.(RemoteAddrer); ok && ra.RemoteAddr() != nil {
		return ra.RemoteAddr().String()
	}
	return l.ID
}

// Send writes one control message. Cancelling ctx closes the link so a
// blocked write returns.
func (l *Link) Send(ctx context.Context, body string) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	if err := WriteMessage(l.Control, body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Recv reads one control message. Cancelling ctx closes the link so a
// blocked read returns.
func (l *Link) Recv(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	body, err := ReadMessage(l.Control)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return body, nil
}

// Close closes every stream of the link.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		for _, s := range l.Data {
			if s != nil {
				l.closeErr = multierr.Append(l.closeErr, s.Close())
			}
		}
		if l.Control != nil {
			l.closeErr = multierr.Append(l.closeErr, l.Control.Close())
		}
	})
	return l.closeErr
}

// OpenLink opens chunks data lanes and one control lane on conn. Every
// stream starts with a hello line naming the link and the lane index, data
// lanes first and the control lane last.
func OpenLink(ctx context.Context, conn Conn, chunks int) (*Link, error) {
	if chunks < 1 || chunks+1 > maxLinkStreams {
		return nil, fmt.Errorf("invalid chunk count %d", chunks)
	}
	link := &Link{ID: uuid.NewString(), Data: make([]Stream, 0, chunks)}
	total := chunks + 1
	for i := 0; i < total; i++ {
		s, err := conn.OpenStream(ctx)
		if err != nil {
			link.Close()
			return nil, fmt.Errorf("failed to open lane %d: %w", i, err)
		}
		if err := writeHello(s, link.ID, i, total); err != nil {
			s.Close()
			link.Close()
			return nil, err
		}
		if i < chunks {
			link.Data = append(link.Data, s)
		} else {
			link.Control = s
		}
	}
	return link, nil
}

func writeHello(w io.Writer, id string, index, total int) error {
	line := fmt.Sprintf("%s %s %d %d\n", helloMagic, id, index, total)
	if _, err := io.WriteString(w, line); err != nil {
		return fmt.Errorf("failed to write hello: %w", err)
	}
	return nil
}

type hello struct {
	id    string
	index int
	total int
}

// readHello reads one hello line byte by byte so no lane data is consumed.
func readHello(r io.Reader) (hello, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return hello{}, fmt.Errorf("%w: %w", ErrBadHello, err)
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
		if len(line) > maxHelloLength {
			return hello{}, fmt.Errorf("%w: line too long", ErrBadHello)
		}
	}
	fields := strings.Fields(string(line))
	if len(fields) != 4 || fields[0] != helloMagic {
		return hello{}, fmt.Errorf("%w: %q", ErrBadHello, string(line))
	}
	if _, err := uuid.Parse(fields[1]); err != nil {
		return hello{}, fmt.Errorf("%w: bad link id", ErrBadHello)
	}
	index, err1 := strconv.Atoi(fields[2])
	total, err2 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || total < 2 || total > maxLinkStreams || index < 0 || index >= total {
		return hello{}, fmt.Errorf("%w: bad lane numbers %q", ErrBadHello, string(line))
	}
	return hello{id: fields[1], index: index, total: total}, nil
}

type pendingLink struct {
	lanes   []Stream
	have    int
	created time.Time
}

// Assembler groups accepted streams into links by their hello line.
type Assembler struct {
	logger       *zap.Logger
	helloTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingLink
	links   chan *Link
	now     func() time.Time
}

// NewAssembler returns an empty assembler.
func NewAssembler(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		logger:       logger,
		helloTimeout: defaultHelloTimeout,
		pending:      make(map[string]*pendingLink),
		links:        make(chan *Link, 16),
		now:          time.Now,
	}
}

// Links delivers completed links.
func (a *Assembler) Links() <-chan *Link {
	return a.links
}

// Serve accepts streams from conn until ctx ends or conn fails. Completed
// links are delivered on Links; the channel is closed when Serve returns.
func (a *Assembler) Serve(ctx context.Context, conn Conn) error {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(a.links)
		a.dropAll()
	}()
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept stream: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.admit(ctx, s)
		}()
	}
}

func (a *Assembler) admit(ctx context.Context, s Stream) {
	if d, ok := s.(ReadDeadliner); ok {
		_ = d.SetReadDeadline(a.now().Add(a.helloTimeout))
	}
	h, err := readHello(s)
	if d, ok := s.(ReadDeadliner); ok {
		_ = d.SetReadDeadline(time.Time{})
	}
	if err != nil {
		a.logger.Debug("dropping stream", zap.Error(err))
		s.Close()
		return
	}

	link := a.add(h, s)
	if link == nil {
		return
	}
	a.logger.Debug("link assembled", zap.String("link", link.ID), zap.Int("chunks", link.Chunks()))
	select {
	case a.links <- link:
	case <-ctx.Done():
		link.Close()
	}
}

// add files s under its link and returns the link once every lane arrived.
func (a *Assembler) add(h hello, s Stream) *Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()

	p := a.pending[h.id]
	if p == nil {
		p = &pendingLink{lanes: make([]Stream, h.total), created: a.now()}
		a.pending[h.id] = p
	}
	if len(p.lanes) != h.total || p.lanes[h.index] != nil {
		a.logger.Debug("dropping conflicting lane", zap.String("link", h.id), zap.Int("index", h.index))
		s.Close()
		return nil
	}
	p.lanes[h.index] = s
	p.have++
	if p.have < h.total {
		return nil
	}
	delete(a.pending, h.id)
	return &Link{ID: h.id, Data: p.lanes[:h.total-1], Control: p.lanes[h.total-1]}
}

func (a *Assembler) pruneLocked() {
	cutoff := a.now().Add(-pendingLinkTTL)
	for id, p := range a.pending {
		if p.created.Before(cutoff) {
			closeLanes(p.lanes)
			delete(a.pending, id)
			a.logger.Debug("expired incomplete link", zap.String("link", id))
		}
	}
}

func (a *Assembler) dropAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.pending {
		closeLanes(p.lanes)
		delete(a.pending, id)
	}
}

func closeLanes(lanes []Stream) {
	for _, s := range lanes {
		if s != nil {
			s.Close()
		}
	}
}

// WriteMessage writes one length-prefixed control frame.
func WriteMessage(w io.Writer, body string) error {
	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write control message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed control frame.
func ReadMessage(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("failed to read control length: %w", err)
	}
	if n > MaxMessageSize {
		return "", ErrMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read control body: %w", err)
	}
	return string(buf), nil
}
