// admintoken 用 ADMIN_TOKEN 签发管理接口使用的 HS256 令牌。
//
//	admintoken [-sub ops] [-ttl 24h]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aihub/rag-go/app/middleware"
	"github.com/aihub/rag-go/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	subject := flag.String("sub", "admin", "token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime, 0 for no expiry")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := middleware.IssueAdminToken(cfg.Server.AdminToken, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
