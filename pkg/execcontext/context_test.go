//go:build unit

package execcontext_test

import (
	"os/exec"
	"testing"

	"github.com/alexandremahdhaoui/chvirt/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Empty(t *testing.T) {
	cmd := execcontext.Command(execcontext.Empty(), "virsh", "-c", "ch:///system", "uri")

	assert.Equal(t, []string{"virsh", "-c", "ch:///system", "uri"}, cmd.Args)
	assert.Nil(t, cmd.Env, "environment is inherited untouched")
}

func TestCommand_Prepend(t *testing.T) {
	ctx := execcontext.New(map[string]string{"LIBVIRT_DEBUG": "1"}, []string{"sudo", "-E"})
	cmd := execcontext.Command(ctx, "libvirtd")

	assert.Equal(t, []string{"sudo", "-E", "libvirtd"}, cmd.Args)
	require.NotEmpty(t, cmd.Env)
	assert.Equal(t, "LIBVIRT_DEBUG=1", cmd.Env[len(cmd.Env)-1])

	if sudo, err := exec.LookPath("sudo"); err == nil {
		assert.Equal(t, sudo, cmd.Path)
	}
}

func TestFormatCmd(t *testing.T) {
	ctx := execcontext.New(map[string]string{"B": "2", "A": "1"}, []string{"sudo"})

	got := execcontext.FormatCmd(ctx, "virsh", "list", "--all", "|", "grep", "vm-1")
	assert.Equal(t, `A="1" B="2" "sudo" "virsh" "list" "--all" | "grep" "vm-1"`, got)
}

func TestContext_ReturnsCopies(t *testing.T) {
	envs := map[string]string{"A": "1"}
	prepend := []string{"sudo"}
	ctx := execcontext.New(envs, prepend)

	got := ctx.Envs()
	got["A"] = "changed"
	assert.Equal(t, "1", ctx.Envs()["A"])

	p := ctx.PrependCmd()
	p[0] = "doas"
	assert.Equal(t, []string{"sudo"}, ctx.PrependCmd())

	assert.Equal(t, []string{"sudo", "-E"}, execcontext.Sudo().PrependCmd())
}
