package connection

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

// ErrNoPlaceholder is returned for kernelspecs whose argv carries no
// recognizable connection-file token. Such a spec can never receive its
// connection parameters, so this is a fatal configuration error.
var ErrNoPlaceholder = errors.New("kernelspec argv has no connection-file placeholder")

const compoundPrefix = "--connection-file="

// RewriteArgv replaces the connection-file placeholder in a kernelspec argv
// with real connection parameters.
//
// Python-family kernels get their parameters inline: the `-f <file>` pair is
// stripped and explicit --ip/--shell/... flags are appended, plus a decoy
// file name so the kernel's own logic still sees a plausible path. All other
// kernels get a real temp JSON connection file substituted into the
// placeholder; the returned path is non-empty in that case and the caller
// owns its removal.
func RewriteArgv(meta kernelspec.ConnectionMetadata, info *Info) (argv []string, connectionFile string, err error) {
	spec := meta.Spec
	if spec == nil || len(spec.Argv) == 0 {
		return nil, "", fmt.Errorf("connection metadata %s has no kernelspec argv", meta.ID)
	}

	if meta.IsPythonFamily() {
		return rewriteInline(spec.Argv, info), "", nil
	}
	return rewriteWithFile(spec.Argv, info)
}

// rewriteInline strips the connection-file token and appends explicit
// connection flags.
func rewriteInline(in []string, info *Info) []string {
	out := make([]string, 0, len(in)+10)
	for i := 0; i < len(in); i++ {
		arg := in[i]
		if arg == "-f" && i+1 < len(in) && isPlaceholder(in[i+1]) {
			i++
			continue
		}
		if isPlaceholder(arg) || strings.HasPrefix(arg, compoundPrefix) {
			continue
		}
		out = append(out, arg)
	}

	out = append(out,
		fmt.Sprintf("--ip=%s", info.IP),
		fmt.Sprintf("--shell=%d", info.ShellPort),
		fmt.Sprintf("--iopub=%d", info.IOPubPort),
		fmt.Sprintf("--stdin=%d", info.StdinPort),
		fmt.Sprintf("--hb=%d", info.HBPort),
		fmt.Sprintf("--control=%d", info.ControlPort),
		fmt.Sprintf("--transport=%s", info.Transport),
		fmt.Sprintf("--Session.key=%s", info.Key),
		fmt.Sprintf("--Session.signature_scheme=%s", info.Scheme),
		"-f", decoyPath(),
	)
	return out
}

// rewriteWithFile writes a real connection file and substitutes its path
// into the placeholder token, handling both the exact token and the
// --connection-file=<token> compound form.
func rewriteWithFile(in []string, info *Info) ([]string, string, error) {
	replaced := false
	out := make([]string, len(in))

	path, err := info.WriteFile()
	if err != nil {
		return nil, "", err
	}

	for i, arg := range in {
		switch {
		case isPlaceholder(arg):
			out[i] = path
			replaced = true
		case strings.HasPrefix(arg, compoundPrefix) && isPlaceholder(strings.TrimPrefix(arg, compoundPrefix)):
			out[i] = compoundPrefix + quoteIfNeeded(path)
			replaced = true
		default:
			out[i] = arg
		}
	}

	if !replaced {
		// Do not leak the file we just wrote.
		_ = os.Remove(path)
		return nil, "", fmt.Errorf("%w: %v", ErrNoPlaceholder, in)
	}
	return out, path, nil
}

func isPlaceholder(arg string) bool {
	return arg == kernelspec.ConnectionFilePlaceholder
}

// quoteIfNeeded wraps a path in double quotes when it contains spaces; the
// compound form is parsed by the kernel's own command-line handling.
func quoteIfNeeded(path string) string {
	if strings.ContainsRune(path, ' ') {
		return `"` + path + `"`
	}
	return path
}
