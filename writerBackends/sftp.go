package writerbackends

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"mediaforge/logger"
)

const sftpDialTimeout = 10 * time.Second

// sftpTarget is a mirror destination resolved from stored credentials.
type sftpTarget struct {
	addr   string
	remote string
	client *ssh.ClientConfig
}

// parseSFTPTarget reads host, user and remotePath (required), port (default
// 22), password or privateKey (raw PEM or base64) and an optional hostKey in
// authorized_keys form that pins the server.
func parseSFTPTarget(accessInfo map[string]string) (*sftpTarget, error) {
	host, user, baseDir := accessInfo["host"], accessInfo["user"], accessInfo["remotePath"]
	if host == "" || user == "" || baseDir == "" {
		return nil, errors.New("sftp credentials need host, user and remotePath")
	}
	port := accessInfo["port"]
	if port == "" {
		port = "22"
	}

	auth, err := sftpAuth(accessInfo["privateKey"], accessInfo["password"])
	if err != nil {
		return nil, err
	}
	checkHostKey, err := hostKeyCallback(accessInfo["hostKey"])
	if err != nil {
		return nil, err
	}

	return &sftpTarget{
		addr:   net.JoinHostPort(host, port),
		remote: path.Join(baseDir, objectName(accessInfo)),
		client: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: checkHostKey,
			Timeout:         sftpDialTimeout,
		},
	}, nil
}

func sftpAuth(privateKey, password string) (ssh.AuthMethod, error) {
	switch {
	case privateKey != "":
		pem, err := base64.StdEncoding.DecodeString(privateKey)
		if err != nil {
			pem = []byte(privateKey)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case password != "":
		return ssh.Password(password), nil
	default:
		return nil, errors.New("sftp credentials need a password or privateKey")
	}
}

// UploadToSFTPWithCreds writes the object to a hidden temp name next to its
// destination and renames it into place.
func UploadToSFTPWithCreds(ctx context.Context, accessInfo map[string]string, reader io.Reader) error {
	target, err := parseSFTPTarget(accessInfo)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target.addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr, target.client)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", target.addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("start sftp session: %w", err)
	}
	defer client.Close()

	dir := path.Dir(target.remote)
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("create remote dir %s: %w", dir, err)
	}

	tmp := path.Join(dir, "."+path.Base(target.remote)+".tmp")
	if err := copyRemote(client, tmp, reader); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	if err := renameRemote(client, tmp, target.remote); err != nil {
		_ = client.Remove(tmp)
		return err
	}

	logger.Infof("sftp mirror wrote %s on %s", target.remote, target.addr)
	return nil
}

func copyRemote(client *sftp.Client, name string, reader io.Reader) error {
	f, err := client.Create(name)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", name, err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		return fmt.Errorf("write remote file %s: %w", name, err)
	}
	return f.Close()
}

// renameRemote prefers the posix-rename extension, which replaces an existing
// destination. Servers without it get a remove followed by a plain rename.
func renameRemote(client *sftp.Client, from, to string) error {
	if err := client.PosixRename(from, to); err == nil {
		return nil
	}
	_ = client.Remove(to)
	if err := client.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func hostKeyCallback(authorizedKey string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(authorizedKey) == "" {
		logger.Warnf("sftp: no hostKey configured, server identity is not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return nil, fmt.Errorf("parse hostKey: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}
