package text

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkCSVData(t *testing.T) {
	t.Run("Empty Rows", func(t *testing.T) {
		assert.Empty(t, ChunkCSVData(nil, DefaultChunkOptions()))
		assert.Empty(t, ChunkCSVData([]Row{}, DefaultChunkOptions()))
	})

	t.Run("Two Chunks Cover All Rows", func(t *testing.T) {
		// {"name":"abcdefghijklmnopqrst"} is 31 chars = 8 tokens, so 5 rows fit in 40
		rows := make([]Row, 10)
		for i := range rows {
			rows[i] = Row{{Name: "name", Value: "abcdefghijklmnopqrst"}}
		}

		chunks := ChunkCSVData(rows, ChunkOptions{ChunkSize: 40})
		require.Len(t, chunks, 2)

		total := 0
		for _, c := range chunks {
			assert.Equal(t, "csv", c.Metadata["type"])
			total += c.Metadata["rowCount"].(int)
		}
		assert.Equal(t, 10, total)
	})

	t.Run("Formats Field Lines", func(t *testing.T) {
		rows := []Row{
			{{Name: "account", Value: "Acme"}, {Name: "amount", Value: json.Number("1200")}},
			{{Name: "account", Value: "Globex"}, {Name: "amount", Value: nil}},
		}
		chunks := ChunkCSVData(rows, ChunkOptions{ChunkSize: 1000})
		require.Len(t, chunks, 1)
		assert.Equal(t, "account: Acme, amount: 1200\naccount: Globex, amount: ", chunks[0].Content)
	})

	t.Run("Skips Rows Without Fields", func(t *testing.T) {
		rows, err := ParseRows(`[{}]`)
		require.NoError(t, err)
		assert.Empty(t, ChunkCSVData(rows, DefaultChunkOptions()))

		rows, err = ParseRows(`[{}, {"account": "Acme"}, {}]`)
		require.NoError(t, err)
		chunks := ChunkCSVData(rows, DefaultChunkOptions())
		require.Len(t, chunks, 1)
		assert.Equal(t, "account: Acme", chunks[0].Content)
		assert.Equal(t, 1, chunks[0].Metadata["rowCount"])
	})

	t.Run("Oversized Row Still Emitted", func(t *testing.T) {
		big := Row{{Name: "blob", Value: fmt.Sprintf("%0200d", 1)}}
		chunks := ChunkCSVData([]Row{big, big}, ChunkOptions{ChunkSize: 5})
		require.Len(t, chunks, 2)
		assert.Equal(t, 1, chunks[0].Metadata["rowCount"])
	})
}

func TestParseRows(t *testing.T) {
	t.Run("JSON Keeps Column Order", func(t *testing.T) {
		rows, err := ParseRows(`[{"zeta": 1, "alpha": "a"}, {"zeta": 2, "alpha": null}]`)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "zeta: 1, alpha: a", rows[0].String())
		assert.Equal(t, "zeta: 2, alpha: ", rows[1].String())
	})

	t.Run("CSV With Header", func(t *testing.T) {
		rows, err := ParseRows("name,stage\nAcme,won\nGlobex,lost,extra\n")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "name: Acme, stage: won", rows[0].String())
		assert.Equal(t, "name: Globex, stage: lost, column_3: extra", rows[1].String())
	})

	t.Run("Blank", func(t *testing.T) {
		rows, err := ParseRows("  ")
		assert.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := ParseRows(`[{"a": 1}`)
		assert.Error(t, err)
	})
}

func TestRow_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Row{{Name: "b", Value: 2}, {Name: "a", Value: "x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"b":2,"a":"x"}`, string(b))
}
