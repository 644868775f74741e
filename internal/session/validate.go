package session

import (
	"fmt"
	"regexp"
)

// maxSocketPath is the Linux sun_path size less the terminating NUL.
const maxSocketPath = 107

// Names must not start with '-' or '_' so they never read as a CLI flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a session directory and that
// the daemon socket under it fits in a Unix socket address.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("session: invalid name %q: want 1-64 characters of a-z, 0-9, '-' or '_', starting with a letter or digit", name)
	}
	if sock := SocketPath(name); len(sock) > maxSocketPath {
		return fmt.Errorf("session: socket path %s is %d bytes, limit is %d; set %s to a shorter directory",
			sock, len(sock), maxSocketPath, HomeEnv)
	}
	return nil
}
