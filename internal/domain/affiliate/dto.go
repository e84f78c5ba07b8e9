// internal/domain/affiliate/dto.go
package affiliate

// CreateAffiliateRequest registers a new affiliate with its commission rate
// in basis points.
type CreateAffiliateRequest struct {
	Name         string `json:"name" binding:"required"`
	ReferralCode string `json:"referral_code" binding:"required"`
	RateBps      int    `json:"rate_bps" binding:"required,min=1,max=10000"`
}

// CreatePayoutRequest batches an affiliate's approved, unpaid commissions
// into one disbursement.
type CreatePayoutRequest struct {
	AffiliateID int64  `json:"affiliate_id" binding:"required"`
	Currency    string `json:"currency" binding:"required,len=3"`
}
