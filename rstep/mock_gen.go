package rstep

//go:generate mockgen -destination=rsteptest/mock_logic.go -package=rsteptest . Logic
