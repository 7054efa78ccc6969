package auth

import (
	"context"
	"fmt"
	"sync"
)

// Secrets is a Backend with local, static credentials
type Secrets struct {
	mux          *sync.RWMutex
	selfName     string
	selfPassword string
	users        map[string]string
}

// NewSecrets returns a Secrets; selfName and selfPassword are used to authenticate to peer,
// users maps peer name to its password
func NewSecrets(selfName, selfPassword string, users map[string]string) *Secrets {
	r := &Secrets{
		mux:          new(sync.RWMutex),
		selfName:     selfName,
		selfPassword: selfPassword,
		users:        make(map[string]string),
	}
	for k, v := range users {
		r.users[k] = v
	}
	return r
}

// SetUser adds or updates a user
func (s *Secrets) SetUser(name, password string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.users[name] = password
}

// Acquire implements Backend interface
func (s *Secrets) Acquire(ctx context.Context, stub Credential) (Credential, Response, error) {
	if err := ctx.Err(); err != nil {
		return stub, Response{}, err
	}
	if s.selfName == "" {
		return stub, Response{}, fmt.Errorf("no own credential for %v, %w", stub.Type, ErrUnknownUser)
	}
	stub.Name = s.selfName
	stub.Password = s.selfPassword
	return stub, Response{Password: s.selfPassword}, nil
}

// Check implements Backend interface, it returns the stored password for the sub-machine to verify
func (s *Secrets) Check(ctx context.Context, cred Credential) (Credential, Response, error) {
	if err := ctx.Err(); err != nil {
		return cred, Response{}, err
	}
	s.mux.RLock()
	passwd, ok := s.users[cred.Name]
	s.mux.RUnlock()
	if !ok {
		return cred, Response{Error: "unknown user"}, nil
	}
	return cred, Response{Password: passwd}, nil
}

// Split is a Backend acquiring own credentials from Acquirer and checking peer's with Checker,
// e.g. local secrets for self and RADIUS for peers
type Split struct {
	Acquirer Backend
	Checker  Backend
}

// Acquire implements Backend interface
func (s Split) Acquire(ctx context.Context, stub Credential) (Credential, Response, error) {
	return s.Acquirer.Acquire(ctx, stub)
}

// Check implements Backend interface
func (s Split) Check(ctx context.Context, cred Credential) (Credential, Response, error) {
	return s.Checker.Check(ctx, cred)
}
