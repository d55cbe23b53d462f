package orchestrator

import (
	"regexp"

	"github.com/web3-authn/tatchi/walleterr"
)

// accountIDPattern mirrors NEAR's account-id naming rules: lowercase
// alphanumerics separated by single '.', '-', or '_', 2-64 characters.
var accountIDPattern = regexp.MustCompile(`^(?:[a-z0-9]+[-_.])*[a-z0-9]+$`)

// ValidateAccountID checks accountID against the host chain's naming
// rules, the first step of every flow that accepts a caller-supplied id.
func ValidateAccountID(accountID string) error {
	if len(accountID) < 2 || len(accountID) > 64 {
		return walleterr.New(walleterr.InvalidAccountID, "account id must be 2-64 characters")
	}
	if !accountIDPattern.MatchString(accountID) {
		return walleterr.New(walleterr.InvalidAccountID, "account id contains invalid characters or separators")
	}
	return nil
}
