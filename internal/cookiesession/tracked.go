package cookiesession

import "encoding/json"

// CheckFunc re-runs the security engine for one session field access,
// using the session's own enforced mode. It is supplied by the call
// executor; the accessor itself knows nothing about policies.
type CheckFunc func(session *Session) error

// Tracked is the accessor handed into method bodies in place of the raw
// session. Every getter and setter first re-checks admissibility: a field
// read can leak cross-site-sensitive state even when the call's own
// policy check passed, and the session's enforced mode may be stricter
// than the method's. It works on a clone; Commit reports whether the call
// actually changed anything.
type Tracked struct {
	pristine  *Session
	working   *Session
	check     CheckFunc
	destroyed bool
}

// NewTracked builds an accessor over a clone of base. base may be nil
// (uninitialized session); the first write initializes it.
func NewTracked(base *Session, check CheckFunc) *Tracked {
	if base == nil {
		base = &Session{}
	}
	return &Tracked{pristine: base.Clone(), working: base.Clone(), check: check}
}

// Get reads an application session field.
func (t *Tracked) Get(key string) (json.RawMessage, error) {
	if err := t.check(t.working); err != nil {
		return nil, err
	}
	v, ok := t.working.Values[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

// Set writes an application session field.
func (t *Tracked) Set(key string, value json.RawMessage) error {
	if err := t.check(t.working); err != nil {
		return err
	}
	if t.working.Values == nil {
		t.working.Values = make(map[string]json.RawMessage)
	}
	t.working.Values[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Delete removes an application session field.
func (t *Tracked) Delete(key string) error {
	if err := t.check(t.working); err != nil {
		return err
	}
	delete(t.working.Values, key)
	return nil
}

// Destroy clears the whole session (logout).
func (t *Tracked) Destroy() error {
	if err := t.check(t.working); err != nil {
		return err
	}
	t.working.Destroy()
	t.destroyed = true
	return nil
}

// Session exposes the working copy for the executor (token installation
// on the control endpoints). Not subject to the field-access check; the
// executor runs its own.
func (t *Tracked) Session() *Session { return t.working }

// Commit compares the working copy against the pristine reference. On a
// real change it advances version/salts and returns the value to persist;
// read-only calls never bump the version. Destruction commits as a
// tombstone successor that continues the id/version/salt chain.
func (t *Tracked) Commit() (*Session, bool) {
	if t.destroyed {
		if !t.pristine.Initialized() {
			return nil, false
		}
		next := &Session{
			ID:        t.pristine.ID,
			Version:   t.pristine.Version,
			BpSalt:    t.pristine.BpSalt,
			Destroyed: true,
		}
		next.Advance()
		return next, true
	}
	if t.working.EqualState(t.pristine) {
		return nil, false
	}
	next := t.working.Clone()
	next.Version = t.pristine.Version
	next.BpSalt = t.pristine.BpSalt
	next.PreviousBpSalt = t.pristine.PreviousBpSalt
	if !t.pristine.Initialized() {
		// First write from any transport creates the session.
		next.ID = ""
		next.Version = 0
		next.BpSalt = ""
	}
	next.Advance()
	return next, true
}
