package protocol

import (
	"github.com/glasswing/mirror/fact"
)

// Transaction submits a batch of optimistic writes. The client tx id lets
// the remote deduplicate a batch resent after a reconnect.
type Transaction struct {
	ClientTxId string  `json:"clientTxId,omitempty"`
	Reads      []Read  `json:"reads,omitempty"`
	Writes     []Write `json:"writes"`
}

// Read asserts that an address still has the given heads at commit time.
type Read struct {
	Ref   string   `json:"ref"`
	Heads []string `json:"heads,omitempty"`
}

type Write struct {
	Ref              string   `json:"ref"`
	BaseHeads        []string `json:"baseHeads,omitempty"`
	Changes          Changes  `json:"changes"`
	AllowServerMerge bool     `json:"allowServerMerge,omitempty"`
}

// Changes carries the asserted value. An empty object retracts: asserts
// always have `is`, including explicit nulls.
type Changes struct {
	Is fact.Value `json:"is,omitempty"`
}

func (self *Changes) Retract() bool {
	return len(self.Is) == 0
}

// NewTransaction builds the wire form of a staged batch. Every staged
// revision carries a cause, which becomes the write's base head.
func NewTransaction(clientTxId string, revisions []*fact.Revision) *Transaction {
	writes := []Write{}
	for _, revision := range revisions {
		write := Write{
			Ref: revision.Address().Key(),
		}
		if revision.Cause != nil {
			write.BaseHeads = []string{revision.Cause.String()}
		}
		if revision.Asserted() {
			write.Changes = Changes{
				Is: revision.Is,
			}
		}
		writes = append(writes, write)
	}
	return &Transaction{
		ClientTxId: clientTxId,
		Writes:     writes,
	}
}

// CommitOk reports a committed batch. `since` is the revision the batch
// landed at. Per-write outcomes come back under `results`; a remote may
// also return the confirmed facts wholesale under `facts`.
type CommitOk struct {
	Since   fact.Seq         `json:"since"`
	Results []RefResult      `json:"results,omitempty"`
	Facts   []*fact.Revision `json:"facts,omitempty"`
}

// RefResult is the outcome for one write. Exactly one of revision or
// error is set.
type RefResult struct {
	Ref      string         `json:"ref"`
	Revision *fact.Revision `json:"revision,omitempty"`
	Error    *WireError     `json:"error,omitempty"`
}
