package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/glasswing/mirror/fact"
)

// wire protocol for the duplex session: every message is an envelope
// holding one invocation plus the authorization it rides on. replies
// correlate to the content hash of the invocation they answer.

const (
	CommandHello     = "hello"
	CommandSubscribe = "subscribe"
	CommandGet       = "get"
	CommandTransact  = "tx"
	CommandAck       = "ack"

	// inbound only
	CommandDeliver = "deliver"
	CommandReturn  = "task/return"
)

type Envelope struct {
	Invocation    *Invocation `json:"invocation"`
	Authorization string      `json:"authorization,omitempty"`
}

type Invocation struct {
	Issuer  string          `json:"issuer"`
	Command string          `json:"command"`
	Subject fact.Entity     `json:"subject"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// NewInvocation canonicalizes args at build time so the invocation's
// content hash is stable no matter when it is serialized.
func NewInvocation(issuer string, command string, subject fact.Entity, args any) (*Invocation, error) {
	var rawArgs json.RawMessage
	if args != nil {
		b, err := fact.Canonical(args)
		if err != nil {
			return nil, fmt.Errorf("invocation args: %w", err)
		}
		rawArgs = b
	}
	return &Invocation{
		Issuer:  issuer,
		Command: command,
		Subject: subject,
		Args:    rawArgs,
	}, nil
}

func RequireNewInvocation(issuer string, command string, subject fact.Entity, args any) *Invocation {
	invocation, err := NewInvocation(issuer, command, subject, args)
	if err != nil {
		panic(err)
	}
	return invocation
}

// Ref is the correlation id of this invocation: the content hash of its
// canonical form. `task/return.of` carries this value back.
func (self *Invocation) Ref() (fact.Hash, error) {
	return fact.RefOf(self)
}

func (self *Invocation) RequireRef() fact.Hash {
	ref, err := self.Ref()
	if err != nil {
		panic(err)
	}
	return ref
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	if envelope.Invocation == nil {
		return nil, fmt.Errorf("envelope missing invocation")
	}
	return json.Marshal(envelope)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.Invocation == nil {
		return nil, fmt.Errorf("envelope missing invocation")
	}
	return envelope, nil
}

// ParseArgs decodes an invocation's args into the payload type its
// command calls for.
func ParseArgs(invocation *Invocation) (any, error) {
	var args any
	switch invocation.Command {
	case CommandHello:
		args = &Hello{}
	case CommandSubscribe, CommandGet:
		args = &QueryArgs{}
	case CommandTransact:
		args = &Transaction{}
	case CommandAck:
		args = &Ack{}
	case CommandDeliver:
		args = &Deliver{}
	case CommandReturn:
		args = &Return{}
	default:
		return nil, fmt.Errorf("unknown command: %s", invocation.Command)
	}
	if err := json.Unmarshal(invocation.Args, args); err != nil {
		return nil, err
	}
	return args, nil
}

// Hello registers a session and requests backfill from a sequence number.
type Hello struct {
	ClientId      string   `json:"clientId"`
	SinceSequence fact.Seq `json:"sinceSequence"`
}

type HelloOk struct {
	Since fact.Seq `json:"since"`
}

// Return resolves a pending invocation by correlating `of` to a waiter.
type Return struct {
	Of fact.Hash       `json:"of"`
	Is json.RawMessage `json:"is"`
}

// Result is the ok/error union every return's `is` decodes to.
type Result struct {
	Ok    json.RawMessage `json:"ok,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

func (self *Return) Result() (*Result, error) {
	result := &Result{}
	if err := json.Unmarshal(self.Is, result); err != nil {
		return nil, err
	}
	return result, nil
}

// WireError names a remote failure so the client can branch on kind.
type WireError struct {
	Name    string         `json:"name"`
	Message string         `json:"message,omitempty"`
	Ref     string         `json:"ref,omitempty"`
	Actual  *fact.Revision `json:"actual,omitempty"`
}

const (
	ErrorNameConnection    = "ConnectionError"
	ErrorNameQuery         = "QueryError"
	ErrorNameConflict      = "ConflictError"
	ErrorNameTransaction   = "TransactionError"
	ErrorNameAuthorization = "AuthorizationError"
	ErrorNameStore         = "StoreError"
)

func (self *WireError) Error() string {
	if self.Message == "" {
		return self.Name
	}
	return fmt.Sprintf("%s: %s", self.Name, self.Message)
}

// Deliver pushes changed documents to the client. It is acknowledged
// immediately with an Ack carrying the same stream and epoch.
type Deliver struct {
	StreamId string `json:"streamId"`
	Epoch    int64  `json:"epoch"`
	Docs     []Doc  `json:"docs"`
}

type DocKind string

const (
	DocSnapshot DocKind = "snapshot"
	DocDelta    DocKind = "delta"
)

type Doc struct {
	DocId   fact.Entity      `json:"docId"`
	Kind    DocKind          `json:"kind"`
	Body    []*fact.Revision `json:"body"`
	Version fact.Seq         `json:"version"`
}

// Revisions flattens every doc body in delivery order. Snapshot and delta
// bodies merge identically downstream, so no distinction is drawn here.
func (self *Deliver) Revisions() []*fact.Revision {
	revisions := []*fact.Revision{}
	for _, doc := range self.Docs {
		revisions = append(revisions, doc.Body...)
	}
	return revisions
}

type Ack struct {
	StreamId string `json:"streamId"`
	Epoch    int64  `json:"epoch"`
}
