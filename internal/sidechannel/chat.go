package sidechannel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/metrics"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/ratelimit"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/session"
)

const defaultWriteTimeout = 5 * time.Second

// ChatOptions configures a Chat for one session.
type ChatOptions struct {
	SessionID string
	Self      string
	Role      string

	Store        ChatStore
	Limiter      Limiter
	WriteTimeout time.Duration
	Logger       *zap.Logger

	OnMessage func(protocol.ChatMessage)
	OnNotice  NoticeFunc
}

// Chat is the session's append-only text chat. History is kept ordered by
// send time and de-duplicated by message id.
type Chat struct {
	sender Sender
	opts   ChatOptions
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	seen    map[string]struct{}
	history []protocol.ChatMessage

	wg sync.WaitGroup
}

func NewChat(sender Sender, opts ChatOptions) *Chat {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Chat{
		sender: sender,
		opts:   opts,
		logger: opts.Logger.Named("chat").With(zap.String("session_id", opts.SessionID)),
		now:    time.Now,
		seen:   make(map[string]struct{}),
	}
}

// Send validates body, publishes it and writes it through to the store in
// the background. Observers may read but not write.
func (c *Chat) Send(ctx context.Context, body string) (protocol.ChatMessage, error) {
	if c.opts.Role == protocol.RoleObserver {
		return protocol.ChatMessage{}, session.ErrPermissionDenied
	}
	if err := ValidateMessage(body); err != nil {
		metrics.ChatMessages.WithLabelValues("rejected").Inc()
		return protocol.ChatMessage{}, err
	}
	if !allow(ctx, c.opts.Limiter, c.opts.SessionID+":"+c.opts.Self, ratelimit.RuleChat) {
		metrics.ChatMessages.WithLabelValues("rate_limited").Inc()
		return protocol.ChatMessage{}, ErrRateLimited
	}

	msg := protocol.ChatMessage{
		ID:     uuid.NewString(),
		Sender: c.opts.Self,
		Body:   body,
		SentAt: c.now().UnixMilli(),
	}
	if err := c.sender.Send(protocol.KindChat, msg); err != nil {
		return protocol.ChatMessage{}, err
	}
	metrics.ChatMessages.WithLabelValues("sent").Inc()
	c.insert(msg)
	c.persist(msg)
	return msg, nil
}

// Handle consumes a chat envelope from the session channel.
func (c *Chat) Handle(env *protocol.Envelope) {
	if env.Kind != protocol.KindChat {
		return
	}
	var msg protocol.ChatMessage
	if err := env.DecodePayload(&msg); err != nil {
		return
	}
	if msg.ID == "" || msg.Sender != env.From || ValidateMessage(msg.Body) != nil {
		c.logger.Debug("dropping chat message", zap.String("from", env.From), zap.String("sender", msg.Sender))
		return
	}
	if !c.insert(msg) {
		return
	}
	metrics.ChatMessages.WithLabelValues("received").Inc()
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

// LoadHistory merges the persisted history into the local one and returns
// the result.
func (c *Chat) LoadHistory(ctx context.Context) ([]protocol.ChatMessage, error) {
	if c.opts.Store != nil {
		msgs, err := c.opts.Store.LoadMessages(ctx, c.opts.SessionID)
		if err != nil {
			c.notice("could not load chat history", err)
			return c.History(), err
		}
		for _, m := range msgs {
			c.insert(m)
		}
	}
	return c.History(), nil
}

// History returns the messages seen so far, oldest first.
func (c *Chat) History() []protocol.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// Wait blocks until pending store writes finish.
func (c *Chat) Wait() {
	c.wg.Wait()
}

func (c *Chat) insert(msg protocol.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}

	i := sort.Search(len(c.history), func(i int) bool {
		h := c.history[i]
		return h.SentAt > msg.SentAt || (h.SentAt == msg.SentAt && h.ID > msg.ID)
	})
	c.history = append(c.history, protocol.ChatMessage{})
	copy(c.history[i+1:], c.history[i:])
	c.history[i] = msg
	return true
}

func (c *Chat) persist(msg protocol.ChatMessage) {
	if c.opts.Store == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		defer cancel()
		if err := c.opts.Store.SaveMessage(ctx, c.opts.SessionID, msg); err != nil {
			metrics.ChatMessages.WithLabelValues("persist_failed").Inc()
			c.notice("message was sent but not saved to history", err)
		}
	}()
}

func (c *Chat) notice(message string, err error) {
	c.logger.Warn(message, zap.Error(err))
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(Notice{Source: "chat", Message: message, Err: err})
	}
}
