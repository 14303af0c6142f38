package protocol

import (
	"sort"

	"github.com/glasswing/mirror/fact"
)

// Query selects addresses from the remote store. The flat form groups
// attributes under entities. When any entry in a batch carries schema
// context the whole batch is sent in the schema form, where each leaf
// names its path and schema under the "_" branch.
type Query struct {
	Select       Select       `json:"select,omitempty"`
	SelectSchema SchemaSelect `json:"selectSchema,omitempty"`
}

type Select map[fact.Entity]map[fact.Attribute]struct{}

type SchemaSelect map[fact.Entity]map[fact.Attribute]SchemaLeaf

type SchemaLeaf struct {
	Root SchemaBranch `json:"_"`
}

type SchemaBranch struct {
	Path          []string            `json:"path"`
	SchemaContext *fact.SchemaContext `json:"schemaContext,omitempty"`
}

// QueryEntry is one requested address with its optional schema context.
type QueryEntry struct {
	Address fact.Address
	Schema  *fact.SchemaContext
}

func NewQuery(entries []QueryEntry) *Query {
	withSchema := false
	for _, entry := range entries {
		if entry.Schema != nil {
			withSchema = true
			break
		}
	}
	if withSchema {
		selectSchema := SchemaSelect{}
		for _, entry := range entries {
			attrs, ok := selectSchema[entry.Address.Of]
			if !ok {
				attrs = map[fact.Attribute]SchemaLeaf{}
				selectSchema[entry.Address.Of] = attrs
			}
			branch := SchemaBranch{
				Path: []string{},
			}
			if entry.Schema != nil {
				branch.Path = entry.Schema.Path
				branch.SchemaContext = entry.Schema
			}
			attrs[entry.Address.The] = SchemaLeaf{
				Root: branch,
			}
		}
		return &Query{
			SelectSchema: selectSchema,
		}
	}

	sel := Select{}
	for _, entry := range entries {
		attrs, ok := sel[entry.Address.Of]
		if !ok {
			attrs = map[fact.Attribute]struct{}{}
			sel[entry.Address.Of] = attrs
		}
		attrs[entry.Address.The] = struct{}{}
	}
	return &Query{
		Select: sel,
	}
}

// Addresses enumerates the selected addresses in deterministic order.
func (self *Query) Addresses() []fact.Address {
	addresses := []fact.Address{}
	if self.Select != nil {
		for of, attrs := range self.Select {
			for the := range attrs {
				addresses = append(addresses, fact.Address{The: the, Of: of})
			}
		}
	}
	if self.SelectSchema != nil {
		for of, attrs := range self.SelectSchema {
			for the := range attrs {
				addresses = append(addresses, fact.Address{The: the, Of: of})
			}
		}
	}
	sort.Slice(addresses, func(i int, j int) bool {
		return addresses[i].Key() < addresses[j].Key()
	})
	return addresses
}

// QueryArgs is the payload of both `get` and `subscribe`.
type QueryArgs struct {
	ConsumerId string `json:"consumerId,omitempty"`
	Query      *Query `json:"query"`
}

// QueryOk carries the revisions answering a query. Addresses the remote
// holds nothing for are simply absent.
type QueryOk struct {
	Facts []*fact.Revision `json:"facts"`
}
