// Package customer owns customer profiles: name, email and default
// shipping address.
package customer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/louisbranch/fulfillment/internal/platform/errors"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/command"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/domain/event"
)

// Kind is the aggregate type name.
const Kind = "customer"

const (
	CommandCreate command.Type = "customer.create"
	CommandUpdate command.Type = "customer.update"

	EventCreated event.Type = "customer.created"
	EventUpdated event.Type = "customer.updated"
)

// Address is a postal address.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Normalize trims every field.
func (a Address) Normalize() Address {
	return Address{
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
	}
}

// Validate reports the first missing required field.
func (a Address) Validate() error {
	switch {
	case a.Line1 == "":
		return errors.New("address line1 is required")
	case a.City == "":
		return errors.New("address city is required")
	case a.PostalCode == "":
		return errors.New("address postal code is required")
	case len(a.Country) != 2:
		return errors.New("address country must be a two-letter code")
	}
	return nil
}

// State is the folded customer.
type State struct {
	ID      string  `json:"id"`
	Created bool    `json:"created"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Address Address `json:"address"`
}

// CreatePayload registers a customer.
type CreatePayload struct {
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Address Address `json:"address"`
}

// UpdatePayload changes any subset of the profile.
type UpdatePayload struct {
	Name    *string  `json:"name,omitempty"`
	Email   *string  `json:"email,omitempty"`
	Address *Address `json:"address,omitempty"`
}

// Behavior implements engine.Behavior for customers.
type Behavior struct{}

func (Behavior) Kind() string { return Kind }

func (Behavior) Register(commands *command.Registry, events *event.Registry) error {
	for _, t := range []command.Type{CommandCreate, CommandUpdate} {
		if err := commands.Register(command.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	for _, t := range []event.Type{EventCreated, EventUpdated} {
		if err := events.Register(event.Definition{Type: t, Owner: Kind}); err != nil {
			return err
		}
	}
	return nil
}

func (Behavior) Initial(id string) State { return State{ID: id} }

func (Behavior) Decide(state State, cmd command.Command, now time.Time) command.Decision {
	switch cmd.Type {
	case CommandCreate:
		if state.Created {
			return command.Rejectf(apperrors.CodeConflict, "customer %s already exists", state.ID)
		}
		p, err := command.Decode[CreatePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		p, err = normalizeCreate(p)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		return command.Emit(cmd, EventCreated, p, now)

	case CommandUpdate:
		if !state.Created {
			return command.Rejectf(apperrors.CodeNotFound, "customer %s not found", state.ID)
		}
		p, err := command.Decode[UpdatePayload](cmd)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		p, err = normalizeUpdate(p)
		if err != nil {
			return command.Rejectf(apperrors.CodeValidation, "%v", err)
		}
		if unchanged(state, p) {
			return command.Decision{}
		}
		return command.Emit(cmd, EventUpdated, p, now)
	}
	return command.Rejectf(apperrors.CodeValidation, "customer does not handle %s", cmd.Type)
}

func normalizeCreate(p CreatePayload) (CreatePayload, error) {
	name, err := normalizeName(p.Name)
	if err != nil {
		return p, err
	}
	email, err := normalizeEmail(p.Email)
	if err != nil {
		return p, err
	}
	addr := p.Address.Normalize()
	if err := addr.Validate(); err != nil {
		return p, err
	}
	return CreatePayload{Name: name, Email: email, Address: addr}, nil
}

func normalizeUpdate(p UpdatePayload) (UpdatePayload, error) {
	if p.Name == nil && p.Email == nil && p.Address == nil {
		return p, errors.New("update must change at least one field")
	}
	var out UpdatePayload
	if p.Name != nil {
		name, err := normalizeName(*p.Name)
		if err != nil {
			return p, err
		}
		out.Name = &name
	}
	if p.Email != nil {
		email, err := normalizeEmail(*p.Email)
		if err != nil {
			return p, err
		}
		out.Email = &email
	}
	if p.Address != nil {
		addr := p.Address.Normalize()
		if err := addr.Validate(); err != nil {
			return p, err
		}
		out.Address = &addr
	}
	return out, nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name is required")
	}
	if len(name) > 200 {
		return "", errors.New("name must be at most 200 characters")
	}
	return name, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", fmt.Errorf("email %q is invalid", email)
	}
	return email, nil
}

func unchanged(state State, p UpdatePayload) bool {
	if p.Name != nil && *p.Name != state.Name {
		return false
	}
	if p.Email != nil && *p.Email != state.Email {
		return false
	}
	if p.Address != nil && *p.Address != state.Address {
		return false
	}
	return true
}

func (Behavior) Fold(state State, evt event.Event) (State, error) {
	switch evt.Type {
	case EventCreated:
		var p CreatePayload
		if err := json.Unmarshal(evt.PayloadJSON, &p); err != nil {
			return state, err
		}
		state.Created = true
		state.Name = p.Name
		state.Email = p.Email
		state.Address = p.Address
	case EventUpdated:
		var p UpdatePayload
		if err := json.Unmarshal(evt.PayloadJSON, &p); err != nil {
			return state, err
		}
		if p.Name != nil {
			state.Name = *p.Name
		}
		if p.Email != nil {
			state.Email = *p.Email
		}
		if p.Address != nil {
			state.Address = *p.Address
		}
	}
	return state, nil
}
