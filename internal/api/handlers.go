package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mlm_service/internal/bonus"
	"mlm_service/internal/network"
	"mlm_service/internal/order"
	"mlm_service/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (s *Server) registerMember(c *gin.Context) {
	var req network.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := s.Network.RegisterMember(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (s *Server) getMember(c *gin.Context) {
	node, err := s.Network.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) getDownline(c *gin.Context) {
	nodes, err := s.Network.Downline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": nodes, "count": len(nodes)})
}

func (s *Server) getProgress(c *gin.Context) {
	ctx := c.Request.Context()
	node, err := s.Network.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.Progression.Progress(ctx, node.ID, node.Balances(), node.CareerLevel)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) memberBonuses(c *gin.Context) {
	bonuses, err := s.Bonuses.MemberBonuses(c.Request.Context(), c.Param("id"), bonus.Status(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bonuses": bonuses})
}

type statusRequest struct {
	Status network.Status `json:"status" binding:"required"`
}

func (s *Server) setStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.Network.SetStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
}

type dailyRunRequest struct {
	Date string `json:"date" binding:"required"`
}

type monthlyRunRequest struct {
	Month int `json:"month" binding:"required"`
	Year  int `json:"year" binding:"required"`
}

func (s *Server) runDaily(c *gin.Context) {
	var req dailyRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	date, err := time.ParseInLocation(bonus.DailyLayout, req.Date, s.Location)
	if err != nil {
		badRequest(c, fmt.Errorf("date must be YYYY-MM-DD: %w", err))
		return
	}
	summary, err := s.Bonuses.RunDaily(c.Request.Context(), date)
	s.runResult(c, summary, err)
}

func (s *Server) runMonthly(c *gin.Context) {
	var req monthlyRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	summary, err := s.Bonuses.RunMonthly(c.Request.Context(), time.Month(req.Month), req.Year)
	s.runResult(c, summary, err)
}

func (s *Server) runResult(c *gin.Context, summary *bonus.Summary, err error) {
	if err != nil && summary == nil {
		s.fail(c, err)
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "30"))
	if err != nil || limit <= 0 {
		badRequest(c, fmt.Errorf("invalid limit %q", c.Query("limit")))
		return
	}
	runs, err := s.Bonuses.ListRuns(c.Request.Context(), bonus.PeriodType(c.Param("type")), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	summary, err := s.Bonuses.Summary(c.Request.Context(), bonus.PeriodType(c.Param("type")), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) runBonuses(c *gin.Context) {
	ctx := c.Request.Context()
	summary, err := s.Bonuses.Summary(ctx, bonus.PeriodType(c.Param("type")), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	bonuses, err := s.Bonuses.RunBonuses(ctx, summary.RunID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": summary.RunID, "bonuses": bonuses})
}

func (s *Server) getBonus(c *gin.Context) {
	b, err := s.Bonuses.GetBonus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) approveBonus(c *gin.Context) {
	b, err := s.Bonuses.ApproveBonus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) rejectBonus(c *gin.Context) {
	b, err := s.Bonuses.RejectBonus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) markPaid(c *gin.Context) {
	b, err := s.Bonuses.MarkPaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type orderRequest struct {
	MemberNodeID string          `json:"member_node_id" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	ReferenceID  string          `json:"reference_id" binding:"required"`
	OrderedAt    *time.Time      `json:"ordered_at"`
}

func (s *Server) recordOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.Network.Get(ctx, req.MemberNodeID); err != nil {
		s.fail(c, err)
		return
	}
	o := &order.RepeatOrder{
		MemberNodeID: req.MemberNodeID,
		Amount:       req.Amount,
		ReferenceID:  req.ReferenceID,
		OrderedAt:    time.Now(),
	}
	if req.OrderedAt != nil {
		o.OrderedAt = *req.OrderedAt
	}
	stored, err := s.Orders.Record(ctx, o)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) getWallet(c *gin.Context) {
	w, err := s.Wallets.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (s *Server) walletEntries(c *gin.Context) {
	ctx := c.Request.Context()
	w, err := s.Wallets.GetBalance(ctx, c.Param("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.Wallets.Entries(ctx, w.WalletID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_id": w.WalletID, "entries": entries})
}

func (s *Server) credit(c *gin.Context) {
	s.walletMutation(c, s.Wallets.Credit)
}

func (s *Server) debit(c *gin.Context) {
	s.walletMutation(c, s.Wallets.Debit)
}

func (s *Server) walletMutation(c *gin.Context, apply func(ctx context.Context, req wallet.Request) (*wallet.Entry, error)) {
	var req wallet.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.WalletID = ""
	req.UserID = c.Param("user_id")
	entry, err := apply(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
