package compact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/intern"
)

// twoFuncEvents is the stream for a small two-function source file:
//
//	func f() {}
//	func g() {}
func twoFuncEvents() []Event {
	return []Event{
		{Kind: "source_file", Start: 0, End: 24, Depth: 0, Flags: FlagNamed},
		{Kind: "function_declaration", Start: 0, End: 11, Depth: 1, Flags: FlagNamed},
		{Kind: "func", Start: 0, End: 4, Depth: 2},
		{Kind: "identifier", Start: 5, End: 6, Depth: 2, Flags: FlagNamed, Field: "name"},
		{Kind: "parameter_list", Start: 6, End: 8, Depth: 2, Flags: FlagNamed, Field: "parameters"},
		{Kind: "block", Start: 9, End: 11, Depth: 2, Flags: FlagNamed, Field: "body"},
		{Kind: "function_declaration", Start: 12, End: 23, Depth: 1, Flags: FlagNamed},
		{Kind: "func", Start: 12, End: 16, Depth: 2},
		{Kind: "identifier", Start: 17, End: 18, Depth: 2, Flags: FlagNamed, Field: "name"},
		{Kind: "parameter_list", Start: 18, End: 20, Depth: 2, Flags: FlagNamed, Field: "parameters"},
		{Kind: "block", Start: 21, End: 23, Depth: 2, Flags: FlagNamed, Field: "body"},
	}
}

const twoFuncSource = "func f() {}\nfunc g() {}\n"

func TestEncode_BuildsNavigableTree(t *testing.T) {
	tab := intern.NewTable()
	tree, err := Encode("main.go", 1, twoFuncEvents(), tab)
	require.NoError(t, err)

	assert.Equal(t, "main.go", tree.DocID())
	assert.Equal(t, uint64(1), tree.Version())
	assert.Equal(t, 11, tree.NodeCount())

	root := tree.Root()
	assert.Equal(t, "source_file", root.Kind())
	start, end := root.ByteRange()
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(24), end)
	assert.Equal(t, 2, root.ChildCount())

	_, hasParent := root.Parent()
	assert.False(t, hasParent)

	fns := root.Children()
	require.Len(t, fns, 2)
	assert.Equal(t, "function_declaration", fns[0].Kind())
	assert.Equal(t, "function_declaration", fns[1].Kind())

	sib, ok := fns[0].NextSibling()
	require.True(t, ok)
	assert.Equal(t, fns[1].Index(), sib.Index())
	_, ok = fns[1].NextSibling()
	assert.False(t, ok)

	name, ok := fns[0].ChildByField("name")
	require.True(t, ok)
	assert.Equal(t, "identifier", name.Kind())
	assert.Equal(t, "f", name.Text([]byte(twoFuncSource)))

	parent, ok := name.Parent()
	require.True(t, ok)
	assert.Equal(t, fns[0].Index(), parent.Index())

	field, ok := name.FieldName()
	require.True(t, ok)
	assert.Equal(t, "name", field)
	_, ok = fns[0].FieldName()
	assert.False(t, ok, "top-level declaration fills no field")
}

func TestEncode_FlagsCarryThrough(t *testing.T) {
	tab := intern.NewTable()
	events := []Event{
		{Kind: "source_file", Start: 0, End: 10, Depth: 0, Flags: FlagNamed},
		{Kind: "ERROR", Start: 0, End: 4, Depth: 1, Flags: FlagNamed | FlagError},
		{Kind: "comment", Start: 5, End: 9, Depth: 1, Flags: FlagNamed | FlagExtra},
		{Kind: "identifier", Start: 9, End: 9, Depth: 1, Flags: FlagNamed | FlagMissing},
	}
	tree, err := Encode("x.go", 1, events, tab)
	require.NoError(t, err)

	children := tree.Root().Children()
	require.Len(t, children, 3)
	assert.True(t, children[0].IsError())
	assert.True(t, children[1].IsExtra())
	assert.True(t, children[2].IsMissing())
	assert.True(t, children[2].IsNamed())
	assert.False(t, children[0].IsMissing())
}

func TestEncode_ZeroWidthSiblingsAllowed(t *testing.T) {
	tab := intern.NewTable()
	events := []Event{
		{Kind: "source_file", Start: 0, End: 5, Depth: 0},
		{Kind: "missing_a", Start: 2, End: 2, Depth: 1, Flags: FlagMissing},
		{Kind: "missing_b", Start: 2, End: 2, Depth: 1, Flags: FlagMissing},
	}
	tree, err := Encode("x.go", 1, events, tab)
	require.NoError(t, err)
	assert.Equal(t, 3, tree.NodeCount())
}

func TestEncode_RejectsMalformedStreams(t *testing.T) {
	cases := []struct {
		name   string
		events []Event
	}{
		{"empty stream", nil},
		{"first item below root", []Event{
			{Kind: "a", Start: 0, End: 1, Depth: 1},
		}},
		{"second root", []Event{
			{Kind: "a", Start: 0, End: 4, Depth: 0},
			{Kind: "b", Start: 0, End: 2, Depth: 1},
			{Kind: "c", Start: 0, End: 4, Depth: 0},
		}},
		{"depth skips a level", []Event{
			{Kind: "a", Start: 0, End: 4, Depth: 0},
			{Kind: "b", Start: 0, End: 2, Depth: 2},
		}},
		{"negative depth", []Event{
			{Kind: "a", Start: 0, End: 4, Depth: 0},
			{Kind: "b", Start: 0, End: 2, Depth: -1},
		}},
		{"inverted range", []Event{
			{Kind: "a", Start: 0, End: 4, Depth: 0},
			{Kind: "b", Start: 3, End: 1, Depth: 1},
		}},
		{"child escapes parent", []Event{
			{Kind: "a", Start: 2, End: 4, Depth: 0},
			{Kind: "b", Start: 1, End: 4, Depth: 1},
		}},
		{"child end past parent", []Event{
			{Kind: "a", Start: 0, End: 4, Depth: 0},
			{Kind: "b", Start: 2, End: 6, Depth: 1},
		}},
		{"siblings overlap", []Event{
			{Kind: "a", Start: 0, End: 10, Depth: 0},
			{Kind: "b", Start: 0, End: 5, Depth: 1},
			{Kind: "c", Start: 4, End: 8, Depth: 1},
		}},
		{"siblings out of order", []Event{
			{Kind: "a", Start: 0, End: 10, Depth: 0},
			{Kind: "b", Start: 6, End: 8, Depth: 1},
			{Kind: "c", Start: 0, End: 5, Depth: 1},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode("bad.go", 1, tc.events, intern.NewTable())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedStream)

			var mse *MalformedStreamError
			assert.ErrorAs(t, err, &mse)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	tab := intern.NewTable()
	a, err := Encode("main.go", 1, twoFuncEvents(), tab)
	require.NoError(t, err)
	b, err := Encode("main.go", 1, twoFuncEvents(), tab)
	require.NoError(t, err)

	require.Equal(t, a.NodeCount(), b.NodeCount())
	for i := 0; i < a.NodeCount(); i++ {
		na, _ := a.NodeAt(i)
		nb, _ := b.NodeAt(i)
		assert.Equal(t, na.KindID(), nb.KindID())
		assert.Equal(t, na.StartByte(), nb.StartByte())
		assert.Equal(t, na.EndByte(), nb.EndByte())
		assert.Equal(t, na.ParentIndex(), nb.ParentIndex())
		assert.Equal(t, na.ChildCount(), nb.ChildCount())
		assert.Equal(t, na.Flags(), nb.Flags())
	}
}

func TestWalk_PreOrderAndSkip(t *testing.T) {
	tab := intern.NewTable()
	tree, err := Encode("main.go", 1, twoFuncEvents(), tab)
	require.NoError(t, err)

	var order []int
	tree.Walk(func(n Node) bool {
		order = append(order, n.Index())
		return true
	})
	want := make([]int, tree.NodeCount())
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order, "full walk visits every node in pre-order")

	// Skipping the first function's subtree drops its four children.
	var visited []string
	tree.Walk(func(n Node) bool {
		visited = append(visited, n.Kind())
		return !(n.Kind() == "function_declaration" && n.StartByte() == 0)
	})
	assert.Equal(t, []string{
		"source_file",
		"function_declaration",
		"function_declaration",
		"func", "identifier", "parameter_list", "block",
	}, visited)
}

func TestTree_SizeBytesScalesWithNodes(t *testing.T) {
	tab := intern.NewTable()
	small, err := Encode("s.go", 1, twoFuncEvents()[:1], tab)
	require.NoError(t, err)
	big, err := Encode("b.go", 1, twoFuncEvents(), tab)
	require.NoError(t, err)

	assert.Greater(t, big.SizeBytes(), small.SizeBytes())
	assert.Equal(t, int64(128+11*perNodeBytes), big.SizeBytes())
}

func TestNode_TextOutOfRangeSourceIsEmpty(t *testing.T) {
	tab := intern.NewTable()
	tree, err := Encode("main.go", 1, twoFuncEvents(), tab)
	require.NoError(t, err)

	assert.Equal(t, "", tree.Root().Text([]byte("short")))
	assert.Equal(t, twoFuncSource, tree.Root().Text([]byte(twoFuncSource)))
}
