package documents

import (
	"fmt"

	"github.com/mmdatafocus/retailpos_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// RenderInvoice produces the invoice document bytes (xlsx) from committed
// invoice and order data. Pure transform: no store access, safe to re-run.
func RenderInvoice(inv *models.Invoice, order *models.Order, products map[int]*models.Product) ([]byte, error) {

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Invoice"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	f.SetCellValue(sheetName, "A1", "Invoice")
	f.SetCellValue(sheetName, "A2", "Number")
	f.SetCellValue(sheetName, "B2", inv.Number)
	f.SetCellValue(sheetName, "A3", "Date")
	f.SetCellValue(sheetName, "B3", inv.CreatedAt.Format("2006-01-02"))
	f.SetCellValue(sheetName, "A4", "Customer")
	f.SetCellValue(sheetName, "B4", order.CustomerName)

	// Line headers
	f.SetCellValue(sheetName, "A6", "Sku")
	f.SetCellValue(sheetName, "B6", "Product")
	f.SetCellValue(sheetName, "C6", "Unit")
	f.SetCellValue(sheetName, "D6", "Qty")
	f.SetCellValue(sheetName, "E6", "PricePerUnit")
	f.SetCellValue(sheetName, "F6", "Amount")

	row := 7
	for _, line := range order.Lines {
		sku := ""
		name := ""
		if p, ok := products[line.ProductId]; ok {
			sku = p.Sku
			name = p.Name
		}
		amount := line.PricePerUnit.Mul(decimal.NewFromInt(line.Qty))
		f.SetCellValue(sheetName, "A"+fmt.Sprint(row), sku)
		f.SetCellValue(sheetName, "B"+fmt.Sprint(row), name)
		f.SetCellValue(sheetName, "C"+fmt.Sprint(row), string(line.Unit))
		f.SetCellValue(sheetName, "D"+fmt.Sprint(row), line.Qty)
		f.SetCellValue(sheetName, "E"+fmt.Sprint(row), line.PricePerUnit.InexactFloat64())
		f.SetCellValue(sheetName, "F"+fmt.Sprint(row), amount.InexactFloat64())
		row++
	}

	row++
	f.SetCellValue(sheetName, "E"+fmt.Sprint(row), "Subtotal")
	f.SetCellValue(sheetName, "F"+fmt.Sprint(row), inv.Subtotal.InexactFloat64())
	row++
	f.SetCellValue(sheetName, "E"+fmt.Sprint(row), "Tax")
	f.SetCellValue(sheetName, "F"+fmt.Sprint(row), inv.Tax.InexactFloat64())
	row++
	f.SetCellValue(sheetName, "E"+fmt.Sprint(row), "RoundOff")
	f.SetCellValue(sheetName, "F"+fmt.Sprint(row), inv.RoundOff.InexactFloat64())
	row++
	f.SetCellValue(sheetName, "E"+fmt.Sprint(row), "Grand")
	f.SetCellValue(sheetName, "F"+fmt.Sprint(row), inv.Grand.InexactFloat64())

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
