package services

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sveltereader/satmeter/internal/domain"
	"github.com/sveltereader/satmeter/internal/logger"
)

const (
	cashuV3Prefix = "cashuA"
	cashuV4Prefix = "cashuB"

	debugTokenPrefix = "cashu_debug_"
	debugTokenPlain  = "debug"

	// defaultDebugAmount matches the historical debug token fallback
	defaultDebugAmount = 100
)

// cashuProof is a single proof inside a serialized V3 token
type cashuProof struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

// cashuTokenEntry groups the proofs issued by one mint
type cashuTokenEntry struct {
	Mint   string       `json:"mint"`
	Proofs []cashuProof `json:"proofs"`
}

// cashuTokenV3 is the JSON payload of a cashuA token
type cashuTokenV3 struct {
	Token []cashuTokenEntry `json:"token"`
	Unit  string            `json:"unit,omitempty"`
	Memo  string            `json:"memo,omitempty"`
}

// CashuValidator checks Cashu bearer tokens without consuming them.
// It decodes the token structurally and sums the embedded proof amounts;
// it never contacts a mint, so calling it any number of times has no
// effect on spendability.
type CashuValidator struct {
	devMode bool
}

// NewCashuValidator creates a token validator.
// With devMode enabled, debug tokens (cashu_debug_<n>, debug) are
// accepted; a hardened deployment must run with devMode off.
func NewCashuValidator(devMode bool) *CashuValidator {
	return &CashuValidator{devMode: devMode}
}

// Validate checks a token and reports its face value.
// All failures are reported via the result; this never panics and never
// returns an error value.
func (v *CashuValidator) Validate(token string) domain.ValidationResult {
	if token == "" {
		// Callers decide free mode before consulting the validator;
		// reaching this is a caller bug, not a user-facing condition.
		return domain.ValidationResult{Valid: false, Reason: "no token provided"}
	}

	if v.devMode {
		if amount, ok := parseDebugToken(token); ok {
			logger.Debug("Accepted debug token", "amount", amount)
			return domain.ValidationResult{Valid: true, Amount: amount}
		}
	} else if isDebugToken(token) {
		return domain.ValidationResult{Valid: false, Reason: "debug tokens are not accepted"}
	}

	switch {
	case strings.HasPrefix(token, cashuV3Prefix):
		return v.validateV3(token)
	case strings.HasPrefix(token, cashuV4Prefix):
		if v.devMode {
			// V4 payloads are CBOR; structural decoding is out of scope.
			// Dev mode accepts them at the default amount so the rest of
			// the pipeline can be exercised with real wallet exports.
			logger.Warn("Accepting cashuB token without amount check (dev mode)")
			return domain.ValidationResult{Valid: true, Amount: defaultDebugAmount}
		}
		return domain.ValidationResult{Valid: false, Reason: "cashuB (V4) tokens are not supported, re-export as cashuA"}
	default:
		return domain.ValidationResult{Valid: false, Reason: fmt.Sprintf("Unknown token format: expected %s or %s prefix", cashuV3Prefix, cashuV4Prefix)}
	}
}

func (v *CashuValidator) validateV3(token string) domain.ValidationResult {
	payload := strings.TrimPrefix(token, cashuV3Prefix)
	if len(payload) < 8 {
		return domain.ValidationResult{Valid: false, Reason: "token payload too short"}
	}

	decoded, err := decodeBase64URL(payload)
	if err != nil {
		return domain.ValidationResult{Valid: false, Reason: "token payload is not valid base64"}
	}

	var parsed cashuTokenV3
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		return domain.ValidationResult{Valid: false, Reason: "token payload is not a valid cashu token"}
	}

	var amount int64
	var proofs int
	for _, entry := range parsed.Token {
		for _, proof := range entry.Proofs {
			if proof.Amount < 0 {
				return domain.ValidationResult{Valid: false, Reason: "token contains a negative proof amount"}
			}
			amount += proof.Amount
			proofs++
		}
	}

	if proofs == 0 {
		return domain.ValidationResult{Valid: false, Reason: "token contains no proofs"}
	}

	return domain.ValidationResult{Valid: true, Amount: amount}
}

// decodeBase64URL handles both padded and unpadded URL-safe encodings,
// which wallets emit inconsistently
func decodeBase64URL(payload string) ([]byte, error) {
	if decoded, err := base64.URLEncoding.DecodeString(payload); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(payload)
}

func isDebugToken(token string) bool {
	return token == debugTokenPlain || strings.HasPrefix(token, debugTokenPrefix)
}

func parseDebugToken(token string) (int64, bool) {
	if token == debugTokenPlain {
		return defaultDebugAmount, true
	}
	if !strings.HasPrefix(token, debugTokenPrefix) {
		return 0, false
	}
	amount, err := strconv.ParseInt(strings.TrimPrefix(token, debugTokenPrefix), 10, 64)
	if err != nil || amount < 0 {
		return defaultDebugAmount, true
	}
	return amount, true
}

// EncodeTokenV3 serializes a V3 token. The wallet service uses this when
// minting send and sweep tokens from stored proofs.
func EncodeTokenV3(mint string, proofs []cashuProof) string {
	payload, _ := json.Marshal(cashuTokenV3{
		Token: []cashuTokenEntry{{Mint: mint, Proofs: proofs}},
		Unit:  "sat",
	})
	return cashuV3Prefix + base64.URLEncoding.EncodeToString(payload)
}
