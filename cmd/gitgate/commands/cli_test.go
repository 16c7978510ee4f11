package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/kong"
	"github.com/gitgate/gitgate"
	"github.com/gitgate/gitgate/pkg/oskeyring"
	"github.com/gitgate/gitgate/server"
	"github.com/gitgate/gitgate/store"
	"github.com/gitgate/gitgate/testutl"
	"golang.org/x/crypto/bcrypt"
)

func testCtx(t *testing.T) *cliCtx {
	t.Helper()
	settings := gitgate.Settings{BcryptCost: bcrypt.MinCost}
	svc, err := store.NewMemoryService(settings)
	assert.NoError(t, err)
	testutl.SeedUser(t, svc, "root", "rootpw", true)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(svc, settings, logger)
	assert.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &cliCtx{
		Context:   context.Background(),
		Logger:    logger,
		Keyring:   oskeyring.NewMemoryService(),
		ServerURL: ts.URL,
	}
}

func TestLoginWhoami(t *testing.T) {
	ctx := testCtx(t)

	login := &LoginCmd{Username: "root", Password: "rootpw"}
	out, errString := captureOutput(func() error { return login.Run(ctx) })
	assert.Equal(t, errString, "")
	assert.Contains(t, out, "Logged in as root")

	token, err := ctx.Keyring.Get(keyringService, keyringTokenKey)
	assert.NoError(t, err)
	assert.NotEqual(t, "", token)

	out, errString = captureOutput(func() error { return (&WhoamiCmd{}).Run(ctx) })
	assert.Equal(t, errString, "")
	assert.Contains(t, out, "Username: root")
	assert.Contains(t, out, "Admin:    true")
}

func TestLoginBadPassword(t *testing.T) {
	ctx := testCtx(t)

	login := &LoginCmd{Username: "root", Password: "wrong"}
	_, errString := captureOutput(func() error { return login.Run(ctx) })
	assert.Contains(t, errString, "login failed")
}

func TestUserCommands(t *testing.T) {
	ctx := testCtx(t)
	_, errString := captureOutput(func() error {
		return (&LoginCmd{Username: "root", Password: "rootpw"}).Run(ctx)
	})
	assert.Equal(t, errString, "")

	create := &UsersCreateCmd{Username: "alice", Password: "alicepw", Repo: []string{"projectx/repo.git"}}
	out, errString := captureOutput(func() error { return create.Run(ctx) })
	assert.Equal(t, errString, "")
	assert.Contains(t, out, "Created user alice")

	out, errString = captureOutput(func() error { return (&UsersListCmd{}).Run(ctx) })
	assert.Equal(t, errString, "")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "root")

	rename := &UsersRenameCmd{Old: "alice", New: "alicia"}
	out, errString = captureOutput(func() error { return rename.Run(ctx) })
	assert.Equal(t, errString, "")
	assert.Contains(t, out, "Renamed user alice to alicia")

	out, errString = captureOutput(func() error { return (&UsersGetCmd{Username: "alicia"}).Run(ctx) })
	assert.Equal(t, errString, "")
	assert.Contains(t, out, "projectx/repo.git")
}

func TestLogout(t *testing.T) {
	ctx := testCtx(t)
	_, errString := captureOutput(func() error {
		return (&LoginCmd{Username: "root", Password: "rootpw"}).Run(ctx)
	})
	assert.Equal(t, errString, "")

	_, errString = captureOutput(func() error { return (&LogoutCmd{}).Run(ctx) })
	assert.Equal(t, errString, "")

	_, err := ctx.Keyring.Get(keyringService, keyringTokenKey)
	assert.IsError(t, err, oskeyring.ErrNotFound)
}

func TestCLIParse(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"login", "root"}, "login <username>"},
		{[]string{"whoami"}, "whoami"},
		{[]string{"users", "list"}, "users list"},
		{[]string{"users", "create", "alice", "--password", "pw"}, "users create <username>"},
		{[]string{"teams", "rename", "core", "kernel"}, "teams rename <old> <new>"},
		{[]string{"roles", "users", "org/repo", "--set", "a,b"}, "roles users <role>"},
		{[]string{"roles", "delete", "org/repo"}, "roles delete <role>"},
	}
	for _, tt := range tests {
		var c cli
		parser, err := kong.New(&c, kong.Vars{"version": "test"})
		assert.NoError(t, err)
		ctx, err := parser.Parse(tt.args)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, ctx.Command())
	}
}

// captureOutput runs f with stdout captured, returning the output and the
// error text.
func captureOutput(f func() error) (string, string) {
	oldOut := os.Stdout
	rOut, wOut, _ := os.Pipe()
	os.Stdout = wOut

	err := f()
	wOut.Close()
	os.Stdout = oldOut

	var outBuf bytes.Buffer
	io.Copy(&outBuf, rOut)
	if err != nil {
		return outBuf.String(), err.Error()
	}
	return outBuf.String(), ""
}
