package instrument

import (
	"path/filepath"
	"strings"
	"sync"
)

// claims holds the addresses with a live session in this process. The SMU has
// no transaction isolation, so a second session on the same port is refused.
var claims = struct {
	sync.Mutex
	m map[string]struct{}
}{m: make(map[string]struct{})}

func claim(address string) bool {
	key := claimKey(address)
	claims.Lock()
	defer claims.Unlock()
	if _, ok := claims.m[key]; ok {
		return false
	}
	claims.m[key] = struct{}{}
	return true
}

func release(address string) {
	claims.Lock()
	delete(claims.m, claimKey(address))
	claims.Unlock()
}

func claimKey(address string) string {
	a := strings.TrimSpace(address)
	if strings.HasPrefix(a, "/") {
		a = filepath.Clean(a)
	}
	return strings.ToLower(a)
}
