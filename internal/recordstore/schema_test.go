package recordstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID        string
	Quantity  int
	Shipped   bool
	PlacedAt  time.Time
	Addresses []string
	Meta      map[string]any
}

var orderSchema = NewSchema("orders",
	String("id", func(o *order) *string { return &o.ID }),
	Int("quantity", func(o *order) *int { return &o.Quantity }),
	Bool("shipped", func(o *order) *bool { return &o.Shipped }),
	Time("placedAt", func(o *order) *time.Time { return &o.PlacedAt }),
	JSON("addresses", func(o *order) *[]string { return &o.Addresses }),
	JSON("meta", func(o *order) *map[string]any { return &o.Meta }),
)

func TestSchemaColumnsInDeclaredOrder(t *testing.T) {
	assert.Equal(t, []string{"id", "quantity", "shipped", "placedAt", "addresses", "meta"}, orderSchema.Columns())
	assert.Equal(t, "orders", orderSchema.Table())
}

func TestSchemaEncodeCanonicalStrings(t *testing.T) {
	placed := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	rec := orderSchema.Encode(order{
		ID:        "o1",
		Quantity:  12,
		Shipped:   true,
		PlacedAt:  placed,
		Addresses: []string{"Main St 1"},
	})
	assert.Equal(t, Record{
		"id":        "o1",
		"quantity":  "12",
		"shipped":   "true",
		"placedAt":  "2024-03-01T12:30:00Z",
		"addresses": `["Main St 1"]`,
		"meta":      "",
	}, rec)
}

func TestSchemaDecodeEmptyCellsAsZero(t *testing.T) {
	o, err := orderSchema.Decode(Record{"id": "o1"})
	require.NoError(t, err)
	assert.Equal(t, order{ID: "o1"}, o)
}

func TestSchemaDecodeReportsColumn(t *testing.T) {
	_, err := orderSchema.Decode(Record{"id": "o1", "quantity": "twelve"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "orders.quantity")
}

func TestNewSchemaRejectsDuplicateColumns(t *testing.T) {
	assert.Panics(t, func() {
		NewSchema("dup",
			String("id", func(o *order) *string { return &o.ID }),
			String("id", func(o *order) *string { return &o.ID }),
		)
	})
}

func TestTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := New(t.TempDir())
	require.NoError(t, err)
	tbl := NewTable(st, orderSchema)

	want := order{
		ID:        "o1",
		Quantity:  3,
		Shipped:   true,
		PlacedAt:  time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC),
		Addresses: []string{"a, b", `quote "c"`},
		Meta:      map[string]any{"carrier": "dhl", "express": true},
	}
	require.NoError(t, tbl.Append(ctx, want))

	got, found, err := tbl.Find(ctx, func(o order) bool { return o.ID == "o1" })
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, want.PlacedAt.Equal(got.PlacedAt))
	want.PlacedAt, got.PlacedAt = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

func TestTableSkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.csv"),
		[]byte("id,quantity,shipped,placedAt,addresses,meta\no1,x,,,,\no2,2,,,,\n"), 0o644))
	st, err := New(dir)
	require.NoError(t, err)
	tbl := NewTable(st, orderSchema)

	rows, err := tbl.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o2", rows[0].ID)

	err = tbl.Update(ctx, func(rows []order) ([]order, error) {
		rows[0].Quantity = 3
		return append(rows, order{ID: "o3", Quantity: 1}), nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "orders.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "o1,x,,,,", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "o2,3,"), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "o3,1,"), lines[3])
}

func TestProperty_AppendReadAllRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	st, err := New(t.TempDir())
	require.NoError(t, err)
	tbl := NewTable(st, orderSchema)
	ctx := context.Background()
	n := 0

	// Carriage returns are normalized by CSV readers, so they are excluded.
	text := gen.AnyString().SuchThat(func(s string) bool { return !strings.ContainsRune(s, '\r') })

	properties.Property("appended rows read back field for field", prop.ForAll(
		func(id string, qty int, shipped bool, secs int64, addr string) bool {
			n++
			want := order{
				ID:        id,
				Quantity:  qty,
				Shipped:   shipped,
				PlacedAt:  time.Unix(secs, 0).UTC(),
				Addresses: []string{addr},
			}
			if err := tbl.Append(ctx, want); err != nil {
				return false
			}
			rows, err := tbl.All(ctx)
			if err != nil || len(rows) != n {
				return false
			}
			got := rows[n-1]
			return got.ID == want.ID &&
				got.Quantity == want.Quantity &&
				got.Shipped == want.Shipped &&
				got.PlacedAt.Equal(want.PlacedAt) &&
				len(got.Addresses) == 1 && got.Addresses[0] == addr
		},
		text,
		gen.Int(),
		gen.Bool(),
		gen.Int64Range(1, 4102444800),
		text,
	))

	properties.TestingRun(t)
}
