// Package auth は認証・認可機能を提供します。
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	// SessionCookieName はセッション ID を載せる署名付きクッキーの名前です。
	SessionCookieName = "lc_session"

	cookieKeySessionID = "sid"
	contextSessionKey  = "auth.session"
)

// sessionState はリクエスト中のセッションと保存状況です。
type sessionState struct {
	sess      *Session
	loadedID  string
	cookieID  string
	committed bool
}

// sessionWriter はレスポンスの最初の書き込み前にセッションを保存します。
// ヘッダーが送られた後では Set-Cookie を追加できないためです。
type sessionWriter struct {
	gin.ResponseWriter
	commit func()
}

func (w *sessionWriter) WriteHeaderNow() {
	w.commit()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) WriteString(s string) (int, error) {
	w.commit()
	return w.ResponseWriter.WriteString(s)
}

// SessionLoader はリクエストの開始時にセッションを読み込み、終了時に保存するミドルウェアです。
// sessions.Sessions の後に登録してください。
func (m *SessionManager) SessionLoader() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie := sessions.Default(c)
		cookieID, _ := cookie.Get(cookieKeySessionID).(string)

		ctx, cancel := context.WithTimeout(c.Request.Context(), m.storeTimeout)
		sess, err := m.sessions.Load(ctx, cookieID)
		cancel()

		st := &sessionState{cookieID: cookieID}
		switch {
		case err == nil:
			st.sess = sess
			st.loadedID = sess.ID
		case errors.Is(err, ErrSessionNotFound):
			st.sess = NewSession(m.now())
		default:
			m.logger.WithError(err).WithField("client", c.ClientIP()).Error("load session failed")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    KindUnavailable.Code(),
				"message": msgUnavailable,
			})
			return
		}
		c.Set(contextSessionKey, st)

		c.Writer = &sessionWriter{
			ResponseWriter: c.Writer,
			commit: func() {
				if err := m.commit(c, st); err != nil {
					m.logger.WithError(err).Error("save session failed")
				}
			},
		}

		c.Next()

		if !c.Writer.Written() {
			st.committed = false
		}
		if err := m.commit(c, st); err != nil {
			m.logger.WithError(err).Error("save session failed")
		}
	}
}

// RememberMe は匿名セッションに remember-me クッキーがあればログイン状態を復元するミドルウェアです。
// SessionLoader の後に登録してください。
func (m *SessionManager) RememberMe(cookieSecure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := CurrentSession(c)
		token, err := c.Cookie(RememberCookieName)
		if sess == nil || sess.Authenticated() || err != nil || token == "" {
			c.Next()
			return
		}

		resumed, err := m.Resume(c.Request.Context(), sess, token, c.ClientIP())
		switch {
		case err == nil:
			m.ReplaceSession(c, resumed)
		case errors.Is(err, ErrInvalidRememberToken):
			ClearRememberCookie(c, cookieSecure)
		}
		c.Next()
	}
}

// CurrentSession はリクエストのセッションを返します。SessionLoader を通っていなければ nil です。
func CurrentSession(c *gin.Context) *Session {
	st := currentState(c)
	if st == nil {
		return nil
	}
	return st.sess
}

// ReplaceSession はリクエストのセッションを差し替えます（ログイン・ログアウト時）。
func (m *SessionManager) ReplaceSession(c *gin.Context, sess *Session) {
	st := currentState(c)
	if st == nil {
		return
	}
	st.sess = sess
	st.committed = false
}

// SaveSession はセッションを今すぐ保存し、必要ならクッキーの ID を書き換えます。
// レスポンスを書く前に呼ぶと、保存の失敗をレスポンスに反映できます。
func (m *SessionManager) SaveSession(c *gin.Context) error {
	st := currentState(c)
	if st == nil {
		return errors.New("auth: session loader not installed")
	}
	st.committed = false
	return m.commit(c, st)
}

func (m *SessionManager) commit(c *gin.Context, st *sessionState) error {
	if st.committed {
		return nil
	}
	st.committed = true

	sess := st.sess
	if sess.ID != st.loadedID && sess.empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), m.storeTimeout)
	defer cancel()
	if err := m.sessions.Save(ctx, sess); err != nil {
		return err
	}

	if st.cookieID != sess.ID {
		cookie := sessions.Default(c)
		cookie.Set(cookieKeySessionID, sess.ID)
		if err := cookie.Save(); err != nil {
			return err
		}
		st.cookieID = sess.ID
	}
	return nil
}

func currentState(c *gin.Context) *sessionState {
	v, ok := c.Get(contextSessionKey)
	if !ok {
		return nil
	}
	st, _ := v.(*sessionState)
	return st
}
