package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/yapepro/internal/reconciliation/domain"
)

type resolveReviewRequest struct {
	OrderID string `json:"order_id"`
}

type rejectReviewRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ListReviews(c *gin.Context) {
	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.reconciliationSvc.ListReviewQueue(c.Request.Context(), reconciliationdomain.ListTransactionsRequest{
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) ResolveReview(c *gin.Context) {
	var req resolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	c.Set("yape_transaction_id", id)

	txn, err := s.reconciliationSvc.ResolveReview(c.Request.Context(), reconciliationdomain.ResolveReviewRequest{
		TransactionID: id,
		OrderID:       orderID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

func (s *Server) RejectReview(c *gin.Context) {
	var req rejectReviewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	id := strings.TrimSpace(c.Param("id"))
	c.Set("yape_transaction_id", id)

	txn, err := s.reconciliationSvc.RejectReview(c.Request.Context(), reconciliationdomain.RejectReviewRequest{
		TransactionID: id,
		Reason:        req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}
