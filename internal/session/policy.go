package session

import (
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

// CanShutdownKernel decides whether closing a session may also kill its
// kernel. Kernels that were already running on a remote server before we
// attached are never ours to stop, and remote notebook kernels stay alive so
// the notebook can be reopened against them. Standby kernels and anything
// serving an interactive window always die with the session.
func CanShutdownKernel(meta kernelspec.ConnectionMetadata, sessionType Type, standby bool) bool {
	if standby {
		return true
	}
	if meta.Kind == kernelspec.KindLiveRemote {
		return false
	}
	if sessionType == TypeInteractive {
		return true
	}
	if meta.Kind == kernelspec.KindRemoteSpec && sessionType == TypeNotebook {
		return false
	}
	return true
}
