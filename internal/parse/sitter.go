package parse

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/understory/internal/compact"
)

// Sitter parses source with tree-sitter, picking the grammar from the
// document's file extension. A fresh tree-sitter parser is created
// per call; the Sitter itself carries no state and is safe to share.
type Sitter struct{}

// NewSitter returns the stock tree-sitter backed parser.
func NewSitter() *Sitter { return &Sitter{} }

// Parse produces the pre-order event stream for source. docID must
// carry a recognized file extension.
func (s *Sitter) Parse(ctx context.Context, docID string, source []byte) ([]compact.Event, error) {
	lang, ok := LanguageForFile(docID)
	if !ok {
		return nil, fmt.Errorf("parse %s: unsupported file extension", docID)
	}
	grammar, ok := Grammar(lang)
	if !ok {
		return nil, fmt.Errorf("parse %s: no grammar for %s", docID, lang)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", docID, err)
	}
	defer tree.Close()

	return walk(tree.RootNode(), len(source)), nil
}

// walk emits one event per node in pre-order, tracking depth with the
// cursor rather than recursion so deep trees cannot overflow the
// stack.
func walk(root *sitter.Node, sourceLen int) []compact.Event {
	cursor := sitter.NewTreeCursor(root)
	defer cursor.Close()

	// Most grammars produce a node per handful of source bytes.
	events := make([]compact.Event, 0, sourceLen/8+16)
	depth := int32(0)
	for {
		n := cursor.CurrentNode()
		events = append(events, compact.Event{
			Kind:  n.Type(),
			Start: n.StartByte(),
			End:   n.EndByte(),
			Depth: depth,
			Flags: nodeFlags(n),
			Field: cursor.CurrentFieldName(),
		})

		if cursor.GoToFirstChild() {
			depth++
			continue
		}
		for {
			if cursor.GoToNextSibling() {
				break
			}
			if !cursor.GoToParent() {
				return events
			}
			depth--
		}
	}
}

func nodeFlags(n *sitter.Node) compact.Flags {
	var f compact.Flags
	if n.IsNamed() {
		f |= compact.FlagNamed
	}
	if n.IsMissing() {
		f |= compact.FlagMissing
	}
	if n.IsExtra() {
		f |= compact.FlagExtra
	}
	if n.IsError() {
		f |= compact.FlagError
	}
	return f
}
