package models

import (
	"github.com/uptrace/bun"
)

// IPRange is one row of the IP-to-company attribution table. StartNumeric and
// EndNumeric are the numeric values of the first and last IPv4 address in the
// range, stored in int64 columns because the upper half of the IPv4 space does
// not fit a signed 32-bit integer. The table is replaced wholesale on reload,
// never patched incrementally.
type IPRange struct {
	bun.BaseModel `bun:"table:ip_ranges,alias:ir"`

	ID           int64  `bun:",pk,autoincrement"`
	StartNumeric int64  `bun:",notnull"`
	EndNumeric   int64  `bun:",notnull"`
	Owner        string `bun:",notnull"`
	ASN          string
	Domain       string
}
