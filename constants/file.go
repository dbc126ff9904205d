package constants

import "strings"

// AllowedExtensions holds the file extensions accepted as bronze batches.
var AllowedExtensions = map[string]struct{}{
	"csv":  {},
	"xlsx": {},
	"json": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Table names inside the lake, relative to the lake root.
const (
	BronzeTable = "data_lake/bronze/statements"
	SilverTable = "data_lake/silver"
	LedgerTable = "data_lake/application_status_ledger"
)
