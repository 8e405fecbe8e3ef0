package conversation

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/voiceflow/llm/tokenizer"
	"github.com/BaSui01/voiceflow/types"
)

func genContext(t *rapid.T) *ChatContext {
	c := Empty()
	if rapid.Bool().Draw(t, "has_system") {
		c.AddMessage(types.RoleSystem, "instructions")
	}
	n := rapid.IntRange(0, 30).Draw(t, "n")
	for i := 0; i < n; i++ {
		switch rapid.IntRange(0, 3).Draw(t, "kind") {
		case 0:
			c.AddMessage(types.RoleUser, rapid.StringN(0, 40, -1).Draw(t, "user"))
		case 1:
			c.AddMessage(types.RoleAssistant, rapid.StringN(0, 40, -1).Draw(t, "assistant"))
		case 2:
			name := rapid.SampledFrom([]string{"lookup", "book", "weather"}).Draw(t, "tool")
			callID := NewItemID()
			c.AddFunctionCall(name, `{}`, callID)
			c.AddFunctionOutput(name, callID, "ok", false)
		case 3:
			c.AddMessage(types.RoleSystem, "late system")
		}
	}
	return c
}

func firstSystemID(items []Item) string {
	for _, it := range items {
		if it.isSystem() {
			return it.ID
		}
	}
	return ""
}

// isOrderedSubset 检查 sub 中的 ID 是否按原顺序出现在 full 中（首个系统消息可被提前）
func isOrderedSubset(t *rapid.T, full, sub []Item, sysID string) {
	pos := make(map[string]int, len(full))
	for i, it := range full {
		pos[it.ID] = i
	}
	last := -1
	for i, it := range sub {
		p, ok := pos[it.ID]
		if !ok {
			t.Fatalf("item %s not in original", it.ID)
		}
		if i == 0 && it.ID == sysID {
			continue
		}
		if p <= last {
			t.Fatalf("order not preserved at %d", i)
		}
		last = p
	}
}

func TestProperty_Truncate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := genContext(t)
		max := rapid.IntRange(1, 35).Draw(t, "max")
		before := c.Items()
		sysID := firstSystemID(before)

		after := c.Truncate(max).Items()

		if len(before) <= max {
			if len(after) != len(before) {
				t.Fatalf("context within limit was modified")
			}
			return
		}
		if len(after) > max+1 {
			t.Fatalf("len %d exceeds max+1 (%d)", len(after), max+1)
		}
		if sysID != "" && firstSystemID(after) == "" {
			t.Fatalf("system message lost")
		}
		// 系统消息被放回首位时，窗口从第二条开始
		start := 0
		if sysID != "" {
			for i, it := range before {
				if it.ID == sysID && i < len(before)-max {
					start = 1
				}
			}
		}
		if start < len(after) && after[start].isFunction() {
			t.Fatalf("window starts with %s", after[start].Type)
		}
		isOrderedSubset(t, before, after, sysID)
	})
}

func TestProperty_CopyIsIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := genContext(t)
		cp := c.Copy(CopyOptions{})
		if cp.Len() != c.Len() {
			t.Fatalf("copy length %d != %d", cp.Len(), c.Len())
		}
		n := c.Len()
		cp.AddMessage(types.RoleUser, "extra")
		cp.Cleanup()
		if c.Len() != n {
			t.Fatalf("mutating the copy changed the original")
		}

		filtered := c.Copy(CopyOptions{Tools: []string{"lookup"}})
		for _, it := range filtered.Items() {
			if it.isFunction() && it.Name != "lookup" {
				t.Fatalf("tool %s survived filter", it.Name)
			}
		}
	})
}

func TestProperty_TruncateTokens(t *testing.T) {
	tk := tokenizer.NewEstimatorTokenizer("test", 0)
	rapid.Check(t, func(t *rapid.T) {
		c := genContext(t)
		budget := rapid.IntRange(0, 400).Draw(t, "budget")
		before := c.Items()

		n, err := c.TruncateTokens(budget, tk)
		if err != nil {
			t.Fatal(err)
		}
		after := c.Items()
		if n > budget {
			for _, it := range after {
				if !it.isSystem() {
					t.Fatalf("over budget (%d > %d) with non-system items left", n, budget)
				}
			}
		}
		systems := 0
		for _, it := range before {
			if it.isSystem() {
				systems++
			}
		}
		for _, it := range after {
			if it.isSystem() {
				systems--
			}
		}
		if systems != 0 {
			t.Fatalf("system messages were dropped")
		}
		isOrderedSubset(t, before, after, "")
	})
}
