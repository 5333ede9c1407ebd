package httptransport

import (
	"github.com/gin-gonic/gin"

	"tempinbox/backend/internal/service"
)

// PublicHandler 公开API处理器
type PublicHandler struct {
	mailboxes *service.MailboxService
}

// NewPublicHandler 创建公开API处理器
func NewPublicHandler(mailboxes *service.MailboxService) *PublicHandler {
	return &PublicHandler{mailboxes: mailboxes}
}

// GetSystemConfig GET /v1/public/config，返回前端需要的域名和有效期配置
func (h *PublicHandler) GetSystemConfig(c *gin.Context) {
	cfg := h.mailboxes.Config()

	domains := cfg.Domains
	if domains == nil {
		domains = []string{}
	}
	defaultDomain := ""
	if len(domains) > 0 {
		defaultDomain = domains[0]
	}

	Success(c, gin.H{
		"domains":       domains,
		"defaultDomain": defaultDomain,
		"defaultTtl":    int64(cfg.DefaultTTL.Seconds()),
		"maxTtl":        int64(cfg.MaxTTL.Seconds()),
		"features": gin.H{
			"websocket":    true,
			"customPrefix": true,
		},
	})
}
