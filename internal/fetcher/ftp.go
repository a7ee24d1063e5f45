package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ftpSource fetches a single file over FTP. SIZE and MDTM stand in for the
// Content-Length and Last-Modified headers.
type ftpSource struct {
	url     string
	timeout time.Duration
	limiter *AdaptiveLimiter
}

type ftpLocation struct {
	host     string
	path     string
	user     string
	password string
}

// parseFTPURL extracts host (with port), path and credentials from an FTP URL.
func parseFTPURL(rawURL string) (ftpLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpLocation{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpLocation{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	loc := ftpLocation{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(loc.host); splitErr != nil {
		loc.host = net.JoinHostPort(loc.host, "21")
	}
	if loc.path == "" || loc.path == "/" {
		return ftpLocation{}, eris.New("empty path in ftp url")
	}
	if u.User != nil {
		loc.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			loc.password = pw
		}
	}
	return loc, nil
}

func (s *ftpSource) dial(ctx context.Context) (*ftp.ServerConn, ftpLocation, error) {
	loc, err := parseFTPURL(s.url)
	if err != nil {
		return nil, loc, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, loc, eris.Wrap(err, "rate limiter wait")
	}

	zap.L().Debug("ftp: connecting", zap.String("host", loc.host), zap.String("path", loc.path))

	conn, err := ftp.Dial(loc.host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, loc, eris.Wrap(err, "ftp dial")
	}
	if err := conn.Login(loc.user, loc.password); err != nil {
		_ = conn.Quit()
		return nil, loc, eris.Wrap(err, "ftp login")
	}
	return conn, loc, nil
}

// stat reads size and modification time; servers lacking MDTM yield a zero
// time rather than an error.
func (s *ftpSource) stat(conn *ftp.ServerConn, loc ftpLocation) (*RemoteMetadata, error) {
	size, err := conn.FileSize(loc.path)
	if err != nil {
		return nil, eris.Wrap(err, "ftp size")
	}
	var modified time.Time
	if conn.IsGetTimeSupported() {
		if t, err := conn.GetTime(loc.path); err == nil {
			modified = t
		}
	}
	return newMetadata(path.Base(loc.path), size, modified), nil
}

func (s *ftpSource) probe(ctx context.Context) (*RemoteMetadata, error) {
	conn, loc, err := s.dial(ctx)
	if err != nil {
		return nil, newFetchError(ReasonMetadataUnavailable, 0, "", err)
	}
	defer conn.Quit() //nolint:errcheck

	meta, err := s.stat(conn, loc)
	if err != nil {
		return nil, newFetchError(ReasonMetadataUnavailable, 0, "", err)
	}
	return meta, nil
}

func (s *ftpSource) open(ctx context.Context, reason Reason) (io.ReadCloser, *RemoteMetadata, error) {
	conn, loc, err := s.dial(ctx)
	if err != nil {
		return nil, nil, newFetchError(reason, 0, "", err)
	}
	meta, err := s.stat(conn, loc)
	if err != nil {
		_ = conn.Quit()
		return nil, nil, newFetchError(reason, 0, "", err)
	}
	resp, err := conn.Retr(loc.path)
	if err != nil {
		_ = conn.Quit()
		return nil, nil, newFetchError(reason, 0, "", eris.Wrap(err, "ftp retrieve"))
	}
	return &ftpConnReader{resp: resp, conn: conn}, meta, nil
}

// ftpConnReader wraps an FTP response and connection so that closing the reader
// also closes the FTP response and disconnects from the server.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "quit ftp connection")
	}
	return nil
}
