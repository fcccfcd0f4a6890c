package impl

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/d-mooers/ponder/pkg/syncstore"
)

// int256Digits is the magnitude width of the text encoding for 256-bit-shaped
// numeric columns. SQLite has no wide numeric type, so values are stored as
// sign-prefixed zero-padded decimal strings whose byte order equals the
// numeric order: '0' prefixes negatives (stored as the 10^32 complement),
// '1' prefixes non-negatives.
const int256Digits = 32

var int256Bound = new(big.Int).Exp(big.NewInt(10), big.NewInt(int256Digits), nil)

func encodeInt256(v *big.Int) (string, error) {
	if v.CmpAbs(int256Bound) >= 0 {
		return "", syncstore.NonRetryable(fmt.Errorf("%s does not fit in %d digits", v, int256Digits))
	}
	if v.Sign() < 0 {
		m := new(big.Int).Add(int256Bound, v)
		return "0" + zeroPad(m.Text(10)), nil
	}
	return "1" + zeroPad(v.Text(10)), nil
}

func zeroPad(s string) string {
	return strings.Repeat("0", int256Digits-len(s)) + s
}

func decodeInt256(s string) (*big.Int, error) {
	if len(s) != int256Digits+1 || (s[0] != '0' && s[0] != '1') {
		return nil, fmt.Errorf("malformed numeric column %q", s)
	}
	m, ok := new(big.Int).SetString(s[1:], 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric column %q", s)
	}
	if s[0] == '0' {
		return m.Sub(m, int256Bound), nil
	}
	return m, nil
}

func encodeNullableInt256(v *big.Int) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeInt256(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeNullableInt256(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	return decodeInt256(s.String)
}

// Hashes, addresses and byte payloads are stored as lowercase 0x-prefixed hex
// so SQL equality and substr-based child address extraction behave.

func encodeHash(h common.Hash) string {
	return strings.ToLower(h.Hex())
}

func encodeAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func encodeNullableAddress(a *common.Address) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeAddress(*a), Valid: true}
}

func encodeBytes(b []byte) string {
	return hexutil.Encode(b)
}

func decodeBytes(s string) ([]byte, error) {
	return hexutil.Decode(s)
}

func topicColumns(topics []common.Hash) [4]sql.NullString {
	var out [4]sql.NullString
	for i := 0; i < len(topics) && i < 4; i++ {
		out[i] = sql.NullString{String: encodeHash(topics[i]), Valid: true}
	}
	return out
}

func decodeTopics(cols [4]sql.NullString) []common.Hash {
	var out []common.Hash
	for _, c := range cols {
		if !c.Valid {
			break
		}
		out = append(out, common.HexToHash(c.String))
	}
	return out
}
