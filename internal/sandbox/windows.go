//go:build windows

package sandbox

import (
	"fmt"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Windows confines children with a restricted token and a kill-on-close Job
// Object. The restricted-token and AppContainer types share the same token,
// job and ACL handling; only the reported Type differs.
type Windows struct {
	mode Type
}

func newWindows(t Type) Manager { return &Windows{mode: t} }

func (w *Windows) Available() bool { return true }

func (w *Windows) Type() Type { return w.mode }

// Transform is a passthrough on Windows: there is no wrapper executable, the
// confinement is applied at spawn time via Confine.
func (w *Windows) Transform(spec CommandSpec, policy protocol.SandboxPolicy, _ []protocol.WritableRoot) (*ExecEnv, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	env := map[string]string{}
	if !policy.HasFullNetworkAccess() {
		env[EnvNetworkDisabled] = "1"
	}
	return &ExecEnv{Command: spec.Command, Cwd: spec.Cwd, Env: env}, nil
}

// Confinement carries the spawn-time state the executor applies to the child.
type Confinement struct {
	token windows.Token
	job   windows.Handle

	firewallRule string
	aclPaths     []string
	sidString    string
}

// Confine prepares a restricted token and job object for cmd and installs
// file-ACL and firewall rules per the policy. The returned cleanup must run
// after the child exits.
func Confine(cmd *exec.Cmd, policy protocol.SandboxPolicy, roots []protocol.WritableRoot) (*Confinement, error) {
	if policy.HasFullDiskWriteAccess() && policy.HasFullNetworkAccess() {
		return nil, nil
	}

	c := &Confinement{}

	token, sid, err := createRestrictedToken()
	if err != nil {
		return nil, fmt.Errorf("sandbox: restricted token: %w", err)
	}
	c.token = token
	c.sidString = sid

	job, err := createKillOnCloseJob()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("sandbox: job object: %w", err)
	}
	c.job = job

	if !policy.HasFullDiskWriteAccess() {
		if err := c.applyACLs(roots); err != nil {
			c.Close()
			return nil, err
		}
	}
	if !policy.HasFullNetworkAccess() {
		if err := c.blockOutbound(); err != nil {
			c.Close()
			return nil, err
		}
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Token = syscall.Token(c.token)
	return c, nil
}

// Attach places the started child inside the job object.
func (c *Confinement) Attach(pid int) error {
	if c == nil || c.job == 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.AssignProcessToJobObject(c.job, h)
}

// Terminate kills every process in the job.
func (c *Confinement) Terminate() {
	if c != nil && c.job != 0 {
		_ = windows.TerminateJobObject(c.job, 1)
	}
}

// Close releases handles and removes the firewall and ACL entries.
func (c *Confinement) Close() {
	if c == nil {
		return
	}
	if c.token != 0 {
		c.token.Close()
		c.token = 0
	}
	if c.job != 0 {
		windows.CloseHandle(c.job)
		c.job = 0
	}
	if c.firewallRule != "" {
		_ = exec.Command("netsh", "advfirewall", "firewall", "delete", "rule",
			"name="+c.firewallRule).Run()
		c.firewallRule = ""
	}
	for _, p := range c.aclPaths {
		_ = exec.Command("icacls", p, "/remove:d", c.sidString, "/remove:g", c.sidString).Run()
	}
	c.aclPaths = nil
}

// createRestrictedToken builds a token with deny-only SIDs for the admin and
// system groups and the WinRestrictedCode restricting SID.
func createRestrictedToken() (windows.Token, string, error) {
	var procToken windows.Token
	err := windows.OpenProcessToken(windows.CurrentProcess(),
		windows.TOKEN_DUPLICATE|windows.TOKEN_ASSIGN_PRIMARY|windows.TOKEN_QUERY, &procToken)
	if err != nil {
		return 0, "", err
	}
	defer procToken.Close()

	adminsSid, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return 0, "", err
	}
	systemSid, err := windows.CreateWellKnownSid(windows.WinLocalSystemSid)
	if err != nil {
		return 0, "", err
	}
	restrictedSid, err := windows.CreateWellKnownSid(windows.WinRestrictedCodeSid)
	if err != nil {
		return 0, "", err
	}

	disable := []windows.SIDAndAttributes{
		{Sid: adminsSid},
		{Sid: systemSid},
	}
	restrict := []windows.SIDAndAttributes{
		{Sid: restrictedSid},
	}

	var restricted windows.Token
	err = createRestrictedTokenSys(procToken, 0,
		uint32(len(disable)), &disable[0],
		0, nil,
		uint32(len(restrict)), &restrict[0],
		&restricted)
	if err != nil {
		return 0, "", err
	}
	return restricted, restrictedSid.String(), nil
}

var (
	modadvapi32              = windows.NewLazySystemDLL("advapi32.dll")
	procCreateRestrictedToken = modadvapi32.NewProc("CreateRestrictedToken")
)

func createRestrictedTokenSys(existing windows.Token, flags uint32,
	disableCount uint32, disable *windows.SIDAndAttributes,
	deleteCount uint32, deletePrivs *windows.LUIDAndAttributes,
	restrictCount uint32, restrict *windows.SIDAndAttributes,
	out *windows.Token) error {
	r1, _, e1 := procCreateRestrictedToken.Call(
		uintptr(existing), uintptr(flags),
		uintptr(disableCount), uintptr(unsafe.Pointer(disable)),
		uintptr(deleteCount), uintptr(unsafe.Pointer(deletePrivs)),
		uintptr(restrictCount), uintptr(unsafe.Pointer(restrict)),
		uintptr(unsafe.Pointer(out)))
	if r1 == 0 {
		return e1
	}
	return nil
}

func createKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

// applyACLs grants the restricted SID write on each writable root and denies
// it on the read-only subpaths.
func (c *Confinement) applyACLs(roots []protocol.WritableRoot) error {
	for _, root := range roots {
		if err := exec.Command("icacls", root.Root,
			"/grant", c.sidString+":(OI)(CI)M").Run(); err != nil {
			return fmt.Errorf("sandbox: grant ACL on %s: %w", root.Root, err)
		}
		c.aclPaths = append(c.aclPaths, root.Root)
		for _, ro := range root.ReadOnlySubpaths {
			if err := exec.Command("icacls", ro,
				"/deny", c.sidString+":(OI)(CI)W").Run(); err != nil {
				return fmt.Errorf("sandbox: deny ACL on %s: %w", ro, err)
			}
			c.aclPaths = append(c.aclPaths, ro)
		}
	}
	return nil
}

// blockOutbound installs a per-session outbound firewall block for the
// restricted SID.
func (c *Confinement) blockOutbound() error {
	rule := "codex-sandbox-" + fmt.Sprintf("%d", windows.GetCurrentProcessId())
	err := exec.Command("netsh", "advfirewall", "firewall", "add", "rule",
		"name="+rule, "dir=out", "action=block",
		"localuser="+c.sidString).Run()
	if err != nil {
		return fmt.Errorf("sandbox: firewall rule: %w", err)
	}
	c.firewallRule = rule
	return nil
}
