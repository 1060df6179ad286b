// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record every call and expose
// exported fields that tests set to control behaviour.
//
// Typical usage:
//
//	p := &mock.Platform{Manual: true}
//	conn, _ := p.Connect(ctx, "guild-1", "voice-1")
//	mc := p.Last()
//	clip := <-mc.Played()
//	mc.Complete(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/pkg/audio"
)

var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection].
//
// By default every clip completes immediately with a nil error. With Manual
// set, a clip stays in flight until the test calls [Connection.Complete] or
// the code under test calls Stop.
type Connection struct {
	mu sync.Mutex

	// Manual makes clips wait for Complete or Stop.
	Manual bool

	// PlayErr, if non-nil, is returned from Play.
	PlayErr error

	// BeforePlay, if set, runs at the start of every Play call without the
	// lock held.
	BeforePlay func(clip []byte)

	// MoveErrs are returned by successive Move calls; nil entries and calls
	// past the end succeed.
	MoveErrs []error

	// DisconnectErr is returned from Disconnect.
	DisconnectErr error

	// --- Call records ---

	PlayCalls       [][]byte
	MoveCalls       []string
	StopCalls       int
	DisconnectCalls int

	channel  string
	dropped  bool
	closed   bool
	pending  func(error)
	played   chan []byte
	moveCall int
}

// NewConnection returns a connected mock sitting in channelID.
func NewConnection(channelID string) *Connection {
	return &Connection{channel: channelID, played: make(chan []byte, 256)}
}

func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Connection) Move(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MoveCalls = append(c.MoveCalls, channelID)
	if c.closed || c.dropped {
		return audio.ErrNotConnected
	}
	var err error
	if c.moveCall < len(c.MoveErrs) {
		err = c.MoveErrs[c.moveCall]
	}
	c.moveCall++
	if err != nil {
		return err
	}
	c.channel = channelID
	return nil
}

func (c *Connection) Play(clip []byte, onComplete func(error)) error {
	c.mu.Lock()
	before := c.BeforePlay
	c.mu.Unlock()
	if before != nil {
		before(clip)
	}

	c.mu.Lock()
	c.PlayCalls = append(c.PlayCalls, clip)
	if c.PlayErr != nil {
		err := c.PlayErr
		c.mu.Unlock()
		return err
	}
	if c.closed || c.dropped {
		c.mu.Unlock()
		return audio.ErrNotConnected
	}
	if c.pending != nil {
		c.mu.Unlock()
		return audio.ErrAlreadyPlaying
	}
	if onComplete == nil {
		onComplete = func(error) {}
	}
	manual := c.Manual
	if manual {
		c.pending = onComplete
	}
	c.notifyPlayed(clip)
	c.mu.Unlock()

	if !manual {
		go onComplete(nil)
	}
	return nil
}

// notifyPlayed must be called with c.mu held.
func (c *Connection) notifyPlayed(clip []byte) {
	if c.played == nil {
		c.played = make(chan []byte, 256)
	}
	select {
	case c.played <- clip:
	default:
	}
}

// Played delivers every clip passed to a successful Play call.
func (c *Connection) Played() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.played == nil {
		c.played = make(chan []byte, 256)
	}
	return c.played
}

// Complete finishes the in-flight clip with err. It reports whether a clip
// was in flight.
func (c *Connection) Complete(err error) bool {
	c.mu.Lock()
	cb := c.pending
	c.pending = nil
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(err)
	return true
}

// Stop finishes the in-flight clip with a nil error.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.StopCalls++
	cb := c.pending
	c.pending = nil
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.dropped
}

func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.DisconnectCalls++
	c.closed = true
	cb := c.pending
	c.pending = nil
	err := c.DisconnectErr
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return err
}

// Drop simulates the platform losing the connection without Disconnect
// being called.
func (c *Connection) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
}

// Calls returns copies of the recorded counters.
func (c *Connection) Calls() (plays, stops, disconnects int, moves []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.PlayCalls), c.StopCalls, c.DisconnectCalls, append([]string(nil), c.MoveCalls...)
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records one Connect invocation.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock [audio.Platform] that hands out fresh [Connection]s.
type Platform struct {
	mu sync.Mutex

	// ConnectErrs are returned by successive Connect calls; nil entries and
	// calls past the end succeed.
	ConnectErrs []error

	// Manual is copied onto every connection created.
	Manual bool

	// Setup, if set, runs on each new connection before it is returned.
	Setup func(*Connection)

	// ReleaseErr is returned from Release.
	ReleaseErr error

	// ConnectCalls records every Connect invocation.
	ConnectCalls []ConnectCall

	// ReleaseCalls records the guild of every Release invocation.
	ReleaseCalls []string

	// Conns holds every connection handed out, in order.
	Conns []*Connection
}

func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	if i < len(p.ConnectErrs) && p.ConnectErrs[i] != nil {
		return nil, p.ConnectErrs[i]
	}

	c := NewConnection(channelID)
	c.Manual = p.Manual
	if p.Setup != nil {
		p.Setup(c)
	}
	p.Conns = append(p.Conns, c)
	return c, nil
}

func (p *Platform) Release(guildID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReleaseCalls = append(p.ReleaseCalls, guildID)
	return p.ReleaseErr
}

// Releases returns the number of Release calls so far.
func (p *Platform) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ReleaseCalls)
}

// Last returns the most recent connection, or nil.
func (p *Platform) Last() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Conns) == 0 {
		return nil
	}
	return p.Conns[len(p.Conns)-1]
}

// ConnectCount returns the number of Connect calls so far.
func (p *Platform) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}
