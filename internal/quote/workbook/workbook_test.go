package workbook

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestRenderThenParse(t *testing.T) {
	rows := []Row{
		{Position: 1, Description: "Kitchen island", Length: 2.4, Width: 1.1, Thickness: 3, Quantity: 1,
			NetArea: 2.64, GrossArea: 3.1, Weight: 198.5,
			InternalCost: decimal.RequireFromString("812.40"), ExternalPrice: decimal.RequireFromString("1450")},
		{Position: 2, Description: "Backsplash", Length: 3, Width: 0.6, Thickness: 2, Quantity: 2},
	}
	f, err := Render([]Field{{Name: "Reference", Value: "P-001-R1"}}, rows)
	require.NoError(t, err)

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	got, err := ParseItems(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Kitchen island", got[0].Description)
	require.InDelta(t, 198.5, got[0].Weight, 1e-9)
	require.True(t, got[0].InternalCost.Equal(decimal.RequireFromString("812.4")), got[0].InternalCost.String())
	require.True(t, got[1].ExternalPrice.IsZero())
	require.Equal(t, 2, got[1].Position)
}

func TestParseSkipsBlankRowsAndNumbersPositions(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetSheetRow(sheet, "A1", &[]interface{}{"Position", "Description", "Length"})
	f.SetSheetRow(sheet, "A2", &[]interface{}{"", "Step", "1,25"})
	f.SetSheetRow(sheet, "A4", &[]interface{}{"", "Riser", "0.9"})

	got, err := Parse(f)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].Position)
	require.Equal(t, 2, got[1].Position)
	require.InDelta(t, 1.25, got[0].Length, 1e-9)
}

func TestParseRejectsNonNumericCell(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetSheetRow(sheet, "A1", &[]interface{}{"Position", "Description", "Length", "Width"})
	f.SetSheetRow(sheet, "A2", &[]interface{}{1, "Slab", 2, "wide"})

	_, err := Parse(f)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidSheet))

	var cellErr *CellError
	require.ErrorAs(t, err, &cellErr)
	require.Equal(t, 2, cellErr.Row)
	require.Equal(t, "Width", cellErr.Column)
}

func TestParseRejectsNegativeDimensionsAndQuantity(t *testing.T) {
	for _, tc := range []struct {
		column string
		row    []interface{}
	}{
		{"Length", []interface{}{1, "Slab", -120, 60, 3, 1}},
		{"Width", []interface{}{1, "Slab", 120, -60, 3, 1}},
		{"Thickness", []interface{}{1, "Slab", 120, 60, -3, 1}},
		{"Quantity", []interface{}{1, "Slab", 120, 60, 3, -2}},
	} {
		t.Run(tc.column, func(t *testing.T) {
			f := excelize.NewFile()
			sheet := f.GetSheetName(0)
			f.SetSheetRow(sheet, "A1", &Headers)
			f.SetSheetRow(sheet, "A2", &[]interface{}{1, "Ok", 10, 10, 2, 1})
			f.SetSheetRow(sheet, "A3", &tc.row)

			_, err := Parse(f)
			require.ErrorIs(t, err, ErrInvalidSheet)

			var cellErr *CellError
			require.ErrorAs(t, err, &cellErr)
			require.Equal(t, 3, cellErr.Row)
			require.Equal(t, tc.column, cellErr.Column)
			require.Contains(t, cellErr.Error(), "must not be negative")
		})
	}
}

func TestParseItemsRejectsGarbage(t *testing.T) {
	_, err := ParseItems(bytes.NewReader([]byte("not a workbook")))
	require.ErrorIs(t, err, ErrInvalidSheet)
}
