package connectors

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Console is a ChunkWriter that prints records as formatted tables.
type Console struct {
	maxRows int
	mu      sync.Mutex
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console printing at most maxRows rows per record to
// stdout. Zero prints every row.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) {
	c.mu.Lock()
	c.writer = w
	c.mu.Unlock()
}

// Rows returns the number of rows written so far.
func (c *Console) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Console) Write(rec arrow.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	schema := rec.Schema()
	numCols := schema.NumFields()
	numRows := int(rec.NumRows())
	if c.maxRows > 0 && numRows > c.maxRows {
		numRows = c.maxRows
	}

	widths := make([]int, numCols)
	cells := make([][]string, numRows)
	for i := 0; i < numCols; i++ {
		widths[i] = len(schema.Field(i).Name)
	}
	for row := 0; row < numRows; row++ {
		cells[row] = make([]string, numCols)
		for col := 0; col < numCols; col++ {
			val := formatValue(rec.Column(col), row)
			cells[row][col] = val
			widths[col] = max(widths[col], len(val))
		}
	}

	var sb strings.Builder
	header := make([]string, numCols)
	for i := range header {
		header[i] = schema.Field(i).Name
	}
	writeRow(&sb, header, widths)
	writeSeparator(&sb, widths)
	for _, row := range cells {
		writeRow(&sb, row, widths)
	}
	if int(rec.NumRows()) > numRows {
		fmt.Fprintf(&sb, "... (%d more rows)\n", int(rec.NumRows())-numRows)
	}
	sb.WriteByte('\n')

	if _, err := io.WriteString(c.writer, sb.String()); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	c.count += rec.NumRows()
	return nil
}

func writeRow(sb *strings.Builder, vals []string, widths []int) {
	sb.WriteString("| ")
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(v, widths[i]))
	}
	sb.WriteString(" |\n")
}

func writeSeparator(sb *strings.Builder, widths []int) {
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|\n")
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.Float32:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	default:
		return arr.ValueStr(row)
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
