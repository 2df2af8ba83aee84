package oxide

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"gopkg.in/irc.v4"
)

// The migrate capability is an unratified draft: no standard pins down its
// resumption-credential exchange. Everything that depends on its wire shape
// lives in this file, so the rest of the proxy survives a change of draft.
//
// The exchange implemented here: once migrate has been enabled on the
// backend connection and registration completes, the backend may issue
//
//	MIGRATE TOKEN :<token>
//
// naming the opaque credential under which the backend session can be
// resumed. If the backend never sends one, the proxy mints a token of its
// own: the session registry needs a key either way. MIGRATE frames are
// never forwarded to the client, which didn't ask for any of this.

const capMigrate = "migrate"

// isMigrateFrame reports whether msg belongs to the migrate subprotocol and
// must be stripped from the client-bound stream.
func isMigrateFrame(msg *irc.Message) bool {
	return msg.Command == "MIGRATE"
}

// migrateToken extracts the resumption token from a MIGRATE TOKEN frame.
func migrateToken(msg *irc.Message) (token string, ok bool) {
	if msg.Command != "MIGRATE" || len(msg.Params) < 2 {
		return "", false
	}
	if !strings.EqualFold(msg.Params[0], "TOKEN") {
		return "", false
	}
	return msg.Params[1], true
}

// stripMigrateCap removes migrate from a space-separated capability list, as
// found in CAP LS, NEW and DEL lines. Entries may carry "=value" suffixes
// and "-" disable markers.
func stripMigrateCap(list string) string {
	fields := strings.Fields(list)
	kept := fields[:0]
	for _, f := range fields {
		name := strings.ToLower(strings.SplitN(f, "=", 2)[0])
		name = strings.TrimPrefix(name, "-")
		if name == capMigrate {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// capListHas reports whether a space-separated capability list names cap.
func capListHas(list, cap string) bool {
	for _, f := range strings.Fields(list) {
		name := strings.ToLower(strings.SplitN(f, "=", 2)[0])
		name = strings.TrimPrefix(name, "-")
		if name == cap {
			return true
		}
	}
	return false
}

// generateToken mints a fresh opaque resumption token.
func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
