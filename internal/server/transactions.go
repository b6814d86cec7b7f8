package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/yapepro/internal/reconciliation/domain"
)

func (s *Server) ListTransactions(c *gin.Context) {
	var query reconciliationdomain.ListTransactionsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.reconciliationSvc.ListTransactions(c.Request.Context(), reconciliationdomain.ListTransactionsRequest{
		Status:    strings.TrimSpace(query.Status),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) GetTransaction(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	txn, err := s.reconciliationSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("yape_transaction_id", txn.ID.String())
	c.JSON(http.StatusOK, gin.H{"data": txn})
}

// MatchTransaction runs one matching pass on demand. Terminal transactions
// answer with their stored decision.
func (s *Server) MatchTransaction(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("yape_transaction_id", id)

	decision, err := s.reconciliationSvc.MatchTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}
