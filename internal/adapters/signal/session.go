package signal

import (
	"context"
	"sync"

	"github.com/looplab/fsm"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

// Sequencer states. Only the mutating negotiation steps move the machine;
// reads and observer operations are legal in any live state.
const (
	stateOpened        = "opened"
	stateRegistered    = "registered"
	stateSendCreated   = "send_created"
	stateSendConnected = "send_connected"
	stateProducing     = "producing"
	stateClosing       = "closing"
)

const (
	evRegister    = "register"
	evCreateSend  = "create_send"
	evConnectSend = "connect_send"
	evProduce     = "produce"
	evClose       = "close"
)

// session is the per-connection state: the ordering machine plus the media
// objects this connection owns. Access is serialized by the read pump except
// for shutdown, which may race a dying socket.
type session struct {
	id   core.SessionID
	conn *wsConn
	ctx  context.Context

	seq *fsm.FSM

	mu         sync.Mutex
	closed     bool
	transports map[string]*sfu.Transport
	consumers  map[string]*sfu.Consumer
}

func newSession(ctx context.Context, id core.SessionID, conn *wsConn) *session {
	live := []string{stateOpened, stateRegistered, stateSendCreated, stateSendConnected, stateProducing}
	return &session{
		id:   id,
		conn: conn,
		ctx:  ctx,
		seq: fsm.NewFSM(
			stateOpened,
			fsm.Events{
				{Name: evRegister, Src: []string{stateOpened}, Dst: stateRegistered},
				{Name: evCreateSend, Src: []string{stateRegistered}, Dst: stateSendCreated},
				{Name: evConnectSend, Src: []string{stateSendCreated}, Dst: stateSendConnected},
				// Re-produce on the same transport updates the stream in
				// place, so producing accepts another produce.
				{Name: evProduce, Src: []string{stateSendConnected, stateProducing}, Dst: stateProducing},
				{Name: evClose, Src: live, Dst: stateClosing},
			}, nil,
		),
		transports: make(map[string]*sfu.Transport),
		consumers:  make(map[string]*sfu.Consumer),
	}
}

// permit reports whether an event is legal from the current state without
// firing it. Handlers check first and advance only after the operation has
// succeeded, so an error reply leaves the machine where the call found it.
func (s *session) permit(event string) error {
	if !s.seq.Can(event) {
		return core.NewError(core.KindProtocolOrder, nil)
	}
	return nil
}

// advance fires one sequencer event. An illegal event leaves the state
// unchanged and surfaces as ProtocolOrder.
func (s *session) advance(event string) error {
	if err := s.seq.Event(context.Background(), event); err != nil {
		return core.NewError(core.KindProtocolOrder, err)
	}
	return nil
}

// registered reports whether identity has been established, which gates the
// consume-path operations.
func (s *session) registered() bool {
	cur := s.seq.Current()
	return cur != stateOpened && cur != stateClosing
}

func (s *session) addTransport(t *sfu.Transport) {
	s.mu.Lock()
	s.transports[t.ID()] = t
	s.mu.Unlock()
}

func (s *session) transport(id string) (*sfu.Transport, bool) {
	s.mu.Lock()
	t, ok := s.transports[id]
	s.mu.Unlock()
	return t, ok
}

func (s *session) addConsumer(c *sfu.Consumer) {
	s.mu.Lock()
	s.consumers[c.ID()] = c
	s.mu.Unlock()
}

func (s *session) consumer(id string) (*sfu.Consumer, bool) {
	s.mu.Lock()
	c, ok := s.consumers[id]
	s.mu.Unlock()
	return c, ok
}

// shutdown marks the session closing and hands the owned transports to the
// caller for the close cascade. The second call returns nil.
func (s *session) shutdown() []*sfu.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.seq.Event(context.Background(), evClose)
	out := make([]*sfu.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	s.transports = make(map[string]*sfu.Transport)
	return out
}
