// Package server 管理被测静态站点的本地 HTTP 服务生命周期。
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"cdpharness/internal/logger"
	"cdpharness/pkg/model"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server 静态文件服务管理器，负责启动与端口回收
type Server struct {
	log         logger.Logger
	findPids    func(ctx context.Context, port int) ([]int, error)
	kill        func(pid int) error
	reclaimWait time.Duration
}

// Option 配置项
type Option func(*Server)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = logger.OrNop(l) }
}

// New 创建服务管理器
func New(opts ...Option) *Server {
	s := &Server{
		log:         logger.NewNop(),
		findPids:    findPidsOnPort,
		kill:        terminate,
		reclaimWait: 2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle 一个运行中的静态服务实例
type Handle struct {
	port    int
	root    string
	boundAt time.Time

	srv  *http.Server
	done chan struct{}
	log  logger.Logger

	mu      sync.Mutex
	stopped bool
}

// Start 在 port 上启动以 root 为根目录的静态服务；端口被占用时尝试回收一次
func (s *Server) Start(ctx context.Context, port int, root string) (*Handle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, model.NewError(model.KindInfrastructure, "server.start", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, model.NewError(model.KindInfrastructure, "server.start", err)
	}
	if !fi.IsDir() {
		return nil, model.Errorf(model.KindInfrastructure, "server.start", "root %s is not a directory", abs)
	}

	ln, err := listen(port)
	if err != nil && isAddrInUse(err) {
		s.log.Warn("端口已被占用，尝试回收", "port", port)
		if rerr := s.reclaimPort(ctx, port); rerr != nil {
			return nil, model.NewError(model.KindPortBind, "server.start", fmt.Errorf("reclaim port %d: %w", port, rerr))
		}
		ln, err = listen(port)
	}
	if err != nil {
		return nil, model.NewError(model.KindPortBind, "server.start", err)
	}

	h := &Handle{
		port:    ln.Addr().(*net.TCPAddr).Port,
		root:    abs,
		boundAt: time.Now(),
		done:    make(chan struct{}),
		log:     s.log.With("port", ln.Addr().(*net.TCPAddr).Port),
	}
	h.srv = &http.Server{
		Handler:           newRouter(abs, h.log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(h.done)
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Err(err, "静态服务异常退出")
		}
	}()
	h.log.Info("静态服务已启动", "root", abs)
	return h, nil
}

// Port 实际绑定的端口
func (h *Handle) Port() int { return h.port }

// Root 服务根目录
func (h *Handle) Root() string { return h.root }

// BoundAt 绑定时间
func (h *Handle) BoundAt() time.Time { return h.boundAt }

// URL 服务根地址
func (h *Handle) URL() string { return fmt.Sprintf("http://localhost:%d", h.port) }

// Running 是否仍持有端口
func (h *Handle) Running() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

// Stop 优雅关闭，失败时强制关闭；重复调用为空操作
func (h *Handle) Stop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(sctx); err != nil {
		h.log.Warn("优雅关闭失败，强制关闭", "error", err)
		_ = h.srv.Close()
	}
	<-h.done
	h.log.Info("静态服务已停止")
	return nil
}

func listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func portFree(port int) bool {
	ln, err := listen(port)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func newRouter(root string, l logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			l.Debug("静态请求", "method", req.Method, "path", req.URL.Path, "status", ww.Status())
		})
	})
	fs := &staticFS{root: root}
	r.Get("/*", fs.ServeHTTP)
	r.Head("/*", fs.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})
	return r
}

// staticFS 只读文件服务，拒绝逃逸出根目录的路径
type staticFS struct {
	root string
}

func (f *staticFS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	full, ok := f.resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	fi, err := os.Stat(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if fi.IsDir() {
		// 目录请求先补全末尾斜杠
		if !strings.HasSuffix(r.URL.Path, "/") {
			target := r.URL.Path + "/"
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}
		full = filepath.Join(full, "index.html")
		if fi, err = os.Stat(full); err != nil || fi.IsDir() {
			http.NotFound(w, r)
			return
		}
	}
	file, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), file)
}

// resolve 将请求路径映射到根目录内的真实路径
func (f *staticFS) resolve(urlPath string) (string, bool) {
	if strings.Contains(urlPath, "\x00") {
		return "", false
	}
	for _, seg := range strings.Split(filepath.ToSlash(urlPath), "/") {
		if seg == ".." {
			return "", false
		}
	}
	full := filepath.Join(f.root, filepath.FromSlash(filepath.Clean("/"+urlPath)))
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		// 不存在的文件交给调用方返回 404
		return full, withinRoot(f.root, full)
	}
	rootReal, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		return "", false
	}
	return real, withinRoot(rootReal, real)
}

func withinRoot(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
