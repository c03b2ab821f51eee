package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/srg/huella/internal/device"
)

// WriteRecord is one acknowledged write observed by a FakeLink.
type WriteRecord struct {
	Role device.Role
	Data []byte
}

// FakeLink is an in-memory device.Link. Writes are recorded, notifications
// are injected with Notify, and peripheral loss is simulated with Drop.
type FakeLink struct {
	mu           sync.Mutex
	address      string
	name         string
	writes       []WriteRecord
	reads        map[device.Role][]byte
	readErrs     map[device.Role]error
	writeErrs    map[device.Role]error
	subs         map[device.Role]func([]byte)
	onWrite      func(role device.Role, data []byte)
	disconnected chan struct{}
	closeOnce    sync.Once
	closeCalls   int
}

// NewFakeLink creates a connected fake link.
func NewFakeLink(address, name string) *FakeLink {
	return &FakeLink{
		address:      address,
		name:         name,
		reads:        make(map[device.Role][]byte),
		readErrs:     make(map[device.Role]error),
		writeErrs:    make(map[device.Role]error),
		subs:         make(map[device.Role]func([]byte)),
		disconnected: make(chan struct{}),
	}
}

func (l *FakeLink) Address() string { return l.address }
func (l *FakeLink) Name() string    { return l.name }

func (l *FakeLink) isDown() bool {
	select {
	case <-l.disconnected:
		return true
	default:
		return false
	}
}

// Write records data unless a failure was configured for role. The OnWrite
// hook runs after the lock is released, so it may call Notify.
func (l *FakeLink) Write(ctx context.Context, role device.Role, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isDown() {
		return device.ErrNotConnected
	}

	l.mu.Lock()
	if err := l.writeErrs[role]; err != nil {
		l.mu.Unlock()
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.writes = append(l.writes, WriteRecord{Role: role, Data: buf})
	hook := l.onWrite
	l.mu.Unlock()

	if hook != nil {
		hook(role, buf)
	}
	return nil
}

// Read returns the value configured with SetRead.
func (l *FakeLink) Read(ctx context.Context, role device.Role) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.isDown() {
		return nil, device.ErrNotConnected
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readErrs[role]; err != nil {
		return nil, err
	}
	data, ok := l.reads[role]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", Role: role}
	}
	return append([]byte(nil), data...), nil
}

// Subscribe registers onValue as the single receiver for role.
func (l *FakeLink) Subscribe(role device.Role, onValue func([]byte)) (device.Subscription, error) {
	if l.isDown() {
		return nil, device.ErrNotConnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[role] = onValue
	return &fakeSubscription{link: l, role: role}, nil
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.disconnected }

// Close ends the link as a user-initiated disconnect.
func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closeCalls++
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.disconnected) })
	return nil
}

// Drop simulates the peripheral going away.
func (l *FakeLink) Drop() {
	l.closeOnce.Do(func() { close(l.disconnected) })
}

// CloseCalls returns how many times Close was called.
func (l *FakeLink) CloseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCalls
}

// Notify delivers data to the subscriber of role. It reports false when
// nothing is subscribed.
func (l *FakeLink) Notify(role device.Role, data []byte) bool {
	l.mu.Lock()
	fn := l.subs[role]
	l.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

// NotifyJSON marshals v and delivers it to the subscriber of role.
func (l *FakeLink) NotifyJSON(role device.Role, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return l.Notify(role, data)
}

// Subscribed reports whether role currently has a subscriber.
func (l *FakeLink) Subscribed(role device.Role) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[role] != nil
}

// SetRead configures the value returned by Read for role.
func (l *FakeLink) SetRead(role device.Role, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads[role] = data
}

// FailReads makes Read on role return err; nil clears it.
func (l *FakeLink) FailReads(role device.Role, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErrs[role] = err
}

// FailWrites makes Write on role return err; nil clears it.
func (l *FakeLink) FailWrites(role device.Role, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErrs[role] = err
}

// OnWrite installs a hook called after each successful write.
func (l *FakeLink) OnWrite(fn func(role device.Role, data []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWrite = fn
}

// Writes returns a copy of all recorded writes.
func (l *FakeLink) Writes() []WriteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]WriteRecord(nil), l.writes...)
}

// WritesTo returns the payloads written to role, as strings.
func (l *FakeLink) WritesTo(role device.Role) []string {
	var out []string
	for _, w := range l.Writes() {
		if w.Role == role {
			out = append(out, string(w.Data))
		}
	}
	return out
}

type fakeSubscription struct {
	link *FakeLink
	role device.Role
}

func (s *fakeSubscription) Unsubscribe() error {
	s.link.mu.Lock()
	defer s.link.mu.Unlock()
	delete(s.link.subs, s.role)
	return nil
}

// FakeTransport hands out a preconfigured link.
type FakeTransport struct {
	Link *FakeLink
	Err  error

	mu        sync.Mutex
	Addresses []string
}

// Connect records address and returns Link or Err.
func (t *FakeTransport) Connect(ctx context.Context, address string, _ *device.ConnectOptions) (device.Link, error) {
	t.mu.Lock()
	t.Addresses = append(t.Addresses, address)
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return t.Link, nil
}

var (
	_ device.Link      = (*FakeLink)(nil)
	_ device.Transport = (*FakeTransport)(nil)
)
