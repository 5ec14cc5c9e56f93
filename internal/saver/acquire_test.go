package saver

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageServer(t *testing.T, routes map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fastDownloader() *HTTPDownloader {
	return NewHTTPDownloader(HTTPDownloaderConfig{Timeout: 5 * time.Second, RetryDelay: time.Millisecond})
}

func TestAcquireURL_Success(t *testing.T) {
	srv, _ := imageServer(t, map[string][]byte{
		"/photos/cat.png": encodePNG(t, solid(8, 6, color.NRGBA{G: 255, A: 255})),
	})

	var started atomic.Bool
	var progressed atomic.Int64
	s := newTestSession(t, Config{
		Downloader: fastDownloader(),
		NewName:    func() string { return "token" },
		OnStart:    func(int64) { started.Store(true) },
		OnProgress: func(written, _ int64) { progressed.Store(written) },
	})

	target, err := s.Acquire(context.Background(), URLSource(srv.URL+"/photos/cat.png"), "")
	require.NoError(t, err)
	assert.Equal(t, "token.png", target.FileName)
	assert.Equal(t, filepath.Join(target.Dir, "token.png"), target.Path)
	assert.Equal(t, target, s.Target())
	assert.True(t, started.Load())
	assert.Positive(t, progressed.Load())

	img, format := decodeFile(t, target.Path)
	assert.Equal(t, "png", format)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestAcquireURL_UsesTargetName(t *testing.T) {
	srv, _ := imageServer(t, map[string][]byte{"/a.jpg": encodeJPEG(t, solid(4, 4, color.White))})
	s := newTestSession(t, Config{Downloader: fastDownloader()})

	target, err := s.Acquire(context.Background(), URLSource(srv.URL+"/a.jpg"), "avatar")
	require.NoError(t, err)
	assert.Equal(t, "avatar.jpg", target.FileName)
	assert.FileExists(t, target.Path)
}

func TestAcquireURL_UnsupportedExtension(t *testing.T) {
	downloads := &countingDownloader{next: fastDownloader()}
	s := newTestSession(t, Config{Downloader: downloads})

	for _, raw := range []string{
		"https://example.com/img.gif",
		"https://example.com/img.JPG",
		"https://example.com/noext",
		"https://example.com/",
		"https://example.com/dir/img.png/",
	} {
		_, err := s.Acquire(context.Background(), URLSource(raw), "")
		assert.ErrorIs(t, err, ErrFormatUnsupported, raw)
	}
	assert.Zero(t, downloads.calls.Load())
	assert.Empty(t, dirEntries(t, s.targetDir))
}

func TestAcquireURL_InvalidURL(t *testing.T) {
	downloads := &countingDownloader{next: fastDownloader()}
	s := newTestSession(t, Config{Downloader: downloads})

	for _, raw := range []string{"::not a url", "relative/path.jpg", "http://%zz/a.png", ""} {
		_, err := s.Acquire(context.Background(), URLSource(raw), "")
		assert.ErrorIs(t, err, ErrSourceBroken, raw)
	}
	assert.Zero(t, downloads.calls.Load())
	assert.True(t, s.Target().Empty())
}

func TestAcquireURL_WebPIsKept(t *testing.T) {
	webp := tinyWebP(t)
	srv, _ := imageServer(t, map[string][]byte{"/a.webp": webp, "/disguised.png": webp})
	s := newTestSession(t, Config{Downloader: fastDownloader(), ValidExtensions: []string{"webp", "png"}})

	target, err := s.Acquire(context.Background(), URLSource(srv.URL+"/a.webp"), "kept")
	require.NoError(t, err)
	assert.Equal(t, "kept.webp", target.FileName)
	_, format := decodeFile(t, target.Path)
	assert.Equal(t, "webp", format)

	target, err = s.Acquire(context.Background(), URLSource(srv.URL+"/disguised.png"), "other")
	require.NoError(t, err)
	assert.Equal(t, "other.png", target.FileName)
	assert.FileExists(t, target.Path)
}

func TestAcquireURL_CorruptImageIsRemoved(t *testing.T) {
	srv, _ := imageServer(t, map[string][]byte{"/broken.jpg": []byte("definitely not a jpeg")})
	s := newTestSession(t, Config{Downloader: fastDownloader()})

	_, err := s.Acquire(context.Background(), URLSource(srv.URL+"/broken.jpg"), "")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSourceBroken, kind)
	assert.NoFileExists(t, s.Target().Path)
	assert.Empty(t, dirEntries(t, s.targetDir))
}

func TestAcquireURL_DownloadFailure(t *testing.T) {
	srv, hits := imageServer(t, nil)
	s := newTestSession(t, Config{Downloader: fastDownloader()})

	_, err := s.Acquire(context.Background(), URLSource(srv.URL+"/missing.png"), "")
	assert.ErrorIs(t, err, ErrSourceCanNotBeLoaded)
	assert.EqualValues(t, 1, hits.Load(), "4xx is not retried")
	assert.Empty(t, dirEntries(t, s.targetDir))
}

func TestAcquireURL_RetriesServerErrors(t *testing.T) {
	body := encodePNG(t, solid(3, 3, color.White))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s := newTestSession(t, Config{Downloader: fastDownloader()})
	target, err := s.Acquire(context.Background(), URLSource(srv.URL+"/x.png"), "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
	assert.FileExists(t, target.Path)
}

func TestAcquireURL_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s := newTestSession(t, Config{Downloader: fastDownloader()})
	_, err := s.Acquire(context.Background(), URLSource(addr+"/gone.png"), "")
	assert.ErrorIs(t, err, ErrSourceCanNotBeLoaded)
	assert.Empty(t, dirEntries(t, s.targetDir))
}

func TestAcquireUpload_AppliesOrientation(t *testing.T) {
	raw := withOrientation(t, encodeJPEG(t, halves(40, 20)), 6)
	s := newTestSession(t, Config{NewName: func() string { return "up" }})

	target, err := s.Acquire(context.Background(), multipartBody(t, formPart{field: "file", fileName: "phone.jpg", data: raw}), "")
	require.NoError(t, err)
	assert.Equal(t, "up.jpg", target.FileName)
	assert.Equal(t, []string{"up.jpg"}, dirEntries(t, s.targetDir))

	img, format := decodeFile(t, target.Path)
	assert.Equal(t, "jpeg", format)
	require.Equal(t, 20, img.Bounds().Dx())
	require.Equal(t, 40, img.Bounds().Dy())
	assert.True(t, isRed(img.At(10, 5)), "left half rotates to the top")
	assert.True(t, isBlue(img.At(10, 35)))

	require.NoError(t, s.Validate(context.Background()))
	again, _ := decodeFile(t, target.Path)
	assert.Equal(t, img.Bounds(), again.Bounds())
	assert.True(t, isRed(again.At(10, 5)))
	assert.True(t, isBlue(again.At(10, 35)))
}

func TestAcquireUpload_PNGFallsBackToMove(t *testing.T) {
	s := newTestSession(t, Config{})
	upload := multipartBody(t,
		formPart{field: "note", data: []byte("ignored")},
		formPart{field: "file", fileName: "shot.png", data: encodePNG(t, solid(5, 7, color.White))},
	)

	target, err := s.Acquire(context.Background(), upload, "shot")
	require.NoError(t, err)
	assert.Equal(t, "shot.png", target.FileName)
	assert.Equal(t, []string{"shot.png"}, dirEntries(t, s.targetDir))

	img, format := decodeFile(t, target.Path)
	assert.Equal(t, "png", format)
	assert.Equal(t, 7, img.Bounds().Dy())
}

func TestAcquireUpload_OnlyFirstFile(t *testing.T) {
	s := newTestSession(t, Config{})
	upload := multipartBody(t,
		formPart{field: "a", fileName: "first.png", data: encodePNG(t, solid(2, 2, color.White))},
		formPart{field: "b", fileName: "second.png", data: encodePNG(t, solid(3, 3, color.White))},
	)

	target, err := s.Acquire(context.Background(), upload, "one")
	require.NoError(t, err)
	assert.Equal(t, []string{"one.png"}, dirEntries(t, s.targetDir))
	img, _ := decodeFile(t, target.Path)
	assert.Equal(t, 2, img.Bounds().Dx())
}

func TestAcquireUpload_UnsupportedExtension(t *testing.T) {
	s := newTestSession(t, Config{})
	upload := multipartBody(t, formPart{field: "file", fileName: "anim.gif", data: []byte("GIF89a")})

	_, err := s.Acquire(context.Background(), upload, "")
	assert.ErrorIs(t, err, ErrFormatUnsupported)
	assert.Empty(t, dirEntries(t, s.targetDir))
}

func TestAcquireUpload_Broken(t *testing.T) {
	cases := map[string]UploadSource{
		"no files":      multipartBody(t, formPart{field: "name", data: []byte("x")}),
		"not multipart": {Body: multipartBody(t).Body, ContentType: "application/json"},
		"corrupt image": multipartBody(t, formPart{field: "file", fileName: "bad.png", data: []byte("nope")}),
		"too large":     multipartBody(t, formPart{field: "file", fileName: "big.png", data: make([]byte, 64)}),
	}
	for name, upload := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestSession(t, Config{Uploads: MultipartParser{MaxBytes: 32}})
			_, err := s.Acquire(context.Background(), upload, "")
			assert.ErrorIs(t, err, ErrSourceBroken)
			assert.Empty(t, dirEntries(t, s.targetDir))
		})
	}
}

func TestAcquire_UnrecognizedSource(t *testing.T) {
	downloads := &countingDownloader{next: fastDownloader()}
	uploads := &countingUploads{}
	s := newTestSession(t, Config{Downloader: downloads, Uploads: uploads})

	for _, src := range []Source{nil, bogusSource{}, UploadSource{}, (*UploadSource)(nil)} {
		_, err := s.Acquire(context.Background(), src, "")
		assert.ErrorIs(t, err, ErrSourceBroken)
	}
	assert.Zero(t, downloads.calls.Load())
	assert.Zero(t, uploads.calls.Load())
	assert.Empty(t, dirEntries(t, s.targetDir))
}

func TestErrorKinds(t *testing.T) {
	err := sourceBroken(errors.New("decode image: bad header"))
	assert.Equal(t, "decode image: bad header", err.Error())
	assert.ErrorIs(t, err, ErrSourceBroken)
	assert.NotErrorIs(t, err, ErrFormatUnsupported)
	assert.Nil(t, errors.Unwrap(err))

	kind, ok := KindOf(errors.Join(errors.New("outer"), canNotBeLoaded(nil)))
	assert.True(t, ok)
	assert.Equal(t, KindSourceCanNotBeLoaded, kind)

	_, ok = KindOf(os.ErrNotExist)
	assert.False(t, ok)
}
