package audit

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var printer = message.NewPrinter(language.English)

// FormatAmount renders a monetary amount with digit grouping for audit
// descriptions, e.g. 150000 -> "150,000".
func FormatAmount(amount float64) string {
	return printer.Sprintf("%v", number.Decimal(amount))
}
