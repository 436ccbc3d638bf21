package model

import "strings"

// Identity is the provisioning record placed on a node. Token is the join
// key with the ledger; Label is what the node uses to report usage.
type Identity struct {
	Token string `json:"token"`
	Label string `json:"label"`
}

// IdentityLabel derives the node-side label for a token owned by account.
// An account of "alice@example.com" and token "3f2a9c1e-..." yields
// "alice_3f2a9c1e@example.com".
func IdentityLabel(token, account string) string {
	short := token
	if len(short) > 8 {
		short = short[:8]
	}
	local, domain, found := strings.Cut(account, "@")
	if !found {
		if account == "" {
			return short
		}
		return account + "_" + short
	}
	return local + "_" + short + "@" + domain
}
