// Package workbook reads and writes the item sheets exchanged with the
// calculation agent.
package workbook

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	ItemsSheet = "Items"
	QuoteSheet = "Quote"
)

// Headers 明细表列顺序
var Headers = []string{
	"Position", "Description", "Length", "Width", "Thickness", "Quantity",
	"Net area", "Gross area", "Weight", "Internal cost", "External price",
}

var ErrInvalidSheet = errors.New("invalid workbook")

// CellError points at the cell that could not be read.
type CellError struct {
	Row    int
	Column string
	Value  string
	// Reason 为空时表示不是数字
	Reason string
}

func (e *CellError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "invalid number"
	}
	return fmt.Sprintf("row %d, column %q: %s %q", e.Row, e.Column, reason, e.Value)
}

func (e *CellError) Unwrap() error { return ErrInvalidSheet }

// Row 一行明细
type Row struct {
	Position      int
	Description   string
	Length        float64
	Width         float64
	Thickness     float64
	Quantity      float64
	NetArea       float64
	GrossArea     float64
	Weight        float64
	InternalCost  decimal.Decimal
	ExternalPrice decimal.Decimal
}

// Field 报价信息页的一项
type Field struct {
	Name  string
	Value interface{}
}

// ParseItems 从上传的xlsx读取明细
func ParseItems(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSheet, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse 读取 Items 页（不存在时读第一页）。第一行为表头，空行跳过
func Parse(f *excelize.File) ([]Row, error) {
	sheet := ItemsSheet
	if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrInvalidSheet, sheet, err)
	}

	result := make([]Row, 0, len(rows))
	if len(rows) < 2 {
		return result, nil
	}

	for i, cells := range rows[1:] { // 跳过表头
		line := i + 2
		if blank(cells) {
			continue
		}
		cell := func(col int) string {
			if col < len(cells) {
				return strings.TrimSpace(cells[col])
			}
			return ""
		}

		row := Row{Description: cell(1)}
		pos, err := number(cell(0))
		if err != nil {
			return nil, &CellError{Row: line, Column: Headers[0], Value: cell(0)}
		}
		row.Position = int(pos)
		if row.Position == 0 {
			row.Position = len(result) + 1
		}

		floats := []*float64{&row.Length, &row.Width, &row.Thickness, &row.Quantity, &row.NetArea, &row.GrossArea, &row.Weight}
		for j, dst := range floats {
			col := j + 2
			v, err := number(cell(col))
			if err != nil {
				return nil, &CellError{Row: line, Column: Headers[col], Value: cell(col)}
			}
			// 尺寸与数量不能为负
			if j < 4 && v < 0 {
				return nil, &CellError{Row: line, Column: Headers[col], Value: cell(col), Reason: "must not be negative"}
			}
			*dst = v
		}

		for j, dst := range []*decimal.Decimal{&row.InternalCost, &row.ExternalPrice} {
			col := j + 9
			v, err := money(cell(col))
			if err != nil {
				return nil, &CellError{Row: line, Column: Headers[col], Value: cell(col)}
			}
			*dst = v
		}

		result = append(result, row)
	}
	return result, nil
}

// Render 生成明细工作簿；fields 非空时额外写入报价信息页
func Render(fields []Field, rows []Row) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", ItemsSheet); err != nil {
		return nil, err
	}

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	for i, h := range Headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(ItemsSheet, cell, h)
		f.SetCellStyle(ItemsSheet, cell, cell, boldStyle)
	}

	for i, r := range rows {
		line := i + 2
		values := []interface{}{
			r.Position, r.Description, r.Length, r.Width, r.Thickness, r.Quantity,
			r.NetArea, r.GrossArea, r.Weight, r.InternalCost.InexactFloat64(), r.ExternalPrice.InexactFloat64(),
		}
		cell, _ := excelize.CoordinatesToCellName(1, line)
		if err := f.SetSheetRow(ItemsSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", line, err)
		}
	}

	colWidths := []float64{8, 36, 10, 10, 10, 10, 10, 10, 10, 14, 14}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(ItemsSheet, col, col, w)
	}

	if len(fields) > 0 {
		if _, err := f.NewSheet(QuoteSheet); err != nil {
			return nil, err
		}
		for i, fd := range fields {
			f.SetCellValue(QuoteSheet, fmt.Sprintf("A%d", i+1), fd.Name)
			f.SetCellValue(QuoteSheet, fmt.Sprintf("B%d", i+1), fd.Value)
		}
		f.SetCellStyle(QuoteSheet, "A1", fmt.Sprintf("A%d", len(fields)), boldStyle)
		f.SetColWidth(QuoteSheet, "A", "A", 20)
		f.SetColWidth(QuoteSheet, "B", "B", 40)
	}

	return f, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func number(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

func money(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
}
